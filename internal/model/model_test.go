package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Validate_RequiresNameAndType(t *testing.T) {
	p := &Policy{Type: "resource"}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}
	p = &Policy{Name: "gpu"}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for missing type, got %v", err)
	}
}

func TestPolicy_Validate_RuleActionRequired(t *testing.T) {
	p := &Policy{Name: "gpu", Type: "resource", Rules: []Rule{{Action: "allow"}, {Action: " "}}}
	err := p.Validate()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if Message(err) != "rules[1].action is required" {
		t.Errorf("unexpected message: %s", Message(err))
	}
}

func TestPolicy_Validate_BadStatus(t *testing.T) {
	p := &Policy{Name: "gpu", Type: "resource", Status: "paused"}
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestPolicy_Clone_IsDeep(t *testing.T) {
	p := &Policy{
		ID: "p1", Name: "gpu", Type: "resource",
		Rules: []Rule{{
			Action: "throttle",
			Match:  map[string]any{"worker": map[string]any{"gpus": 4.0}},
			Parameters: map[string]any{
				"limits": []any{1.0, 2.0},
			},
		}},
	}
	c := p.Clone()
	c.Rules[0].Match["worker"].(map[string]any)["gpus"] = 8.0
	c.Rules[0].Parameters["limits"].([]any)[0] = 9.0
	c.Rules = append(c.Rules, Rule{Action: "deny"})

	if p.Rules[0].Match["worker"].(map[string]any)["gpus"] != 4.0 {
		t.Error("clone shares nested match map with original")
	}
	if p.Rules[0].Parameters["limits"].([]any)[0] != 1.0 {
		t.Error("clone shares nested parameter slice with original")
	}
	if len(p.Rules) != 1 {
		t.Error("clone shares rules slice with original")
	}
}

func TestValidatePolicyDocument_Valid(t *testing.T) {
	raw := []byte(`{"name":"gpu","type":"resource","priority":10,
		"rules":[{"action":"allow","match":{"env":"prod"},"parameters":{"max":4}}]}`)
	if err := ValidatePolicyDocument(raw); err != nil {
		t.Fatalf("expected valid document, got %v", err)
	}
}

func TestValidatePolicyDocument_NonNumericPriority(t *testing.T) {
	raw := []byte(`{"name":"gpu","type":"resource","priority":"high","rules":[]}`)
	if err := ValidatePolicyDocument(raw); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidatePolicyDocument_RuleWithoutAction(t *testing.T) {
	raw := []byte(`{"name":"gpu","type":"resource","priority":1,"rules":[{"match":{}}]}`)
	if err := ValidatePolicyDocument(raw); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidatePolicyDocument_RulesNotArray(t *testing.T) {
	raw := []byte(`{"name":"gpu","type":"resource","priority":1,"rules":{"action":"allow"}}`)
	if err := ValidatePolicyDocument(raw); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidatePolicyDocument_MalformedJSON(t *testing.T) {
	if err := ValidatePolicyDocument([]byte(`{"name":`)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestError_KindName(t *testing.T) {
	cases := map[error]string{
		Validationf("x"):                   "validation_error",
		NotFound("p"):                      "not_found",
		Conflictf("x"):                     "conflict",
		StorageErr("op", errors.New("io")): "storage_error",
		Unavailablef("x"):                  "engine_unavailable",
		errors.New("boom"):                 "internal",
	}
	for err, want := range cases {
		if got := KindName(err); got != want {
			t.Errorf("KindName(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestSnapshot_FindAndHash(t *testing.T) {
	ps := []*Policy{{ID: "a", Name: "a"}, {ID: "b", Name: "b"}, {ID: "c", Name: "c"}}
	s := NewSnapshot(3, ps)
	if p, ok := s.Find("b"); !ok || p.Name != "b" {
		t.Fatalf("expected to find b, got %v %v", p, ok)
	}
	if _, ok := s.Find("z"); ok {
		t.Error("did not expect to find z")
	}
	if s.Hash != HashPolicies([]*Policy{{ID: "a", Name: "a"}, {ID: "b", Name: "b"}, {ID: "c", Name: "c"}}) {
		t.Error("hash should be stable for equal content")
	}
	if s.Hash == HashPolicies(ps[:2]) {
		t.Error("hash should change when content changes")
	}
}

func TestDecision_JSONExecutionTime(t *testing.T) {
	d := Decision{ID: "d1", Result: ResultAllow, ExecutionTime: 1500 * time.Microsecond}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if m["execution_time_ms"] != 1.5 {
		t.Errorf("expected execution_time_ms=1.5, got %v", m["execution_time_ms"])
	}
	var back Decision
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.ExecutionTime != d.ExecutionTime || back.ID != "d1" {
		t.Errorf("round trip lost fields: %+v", back)
	}
}
