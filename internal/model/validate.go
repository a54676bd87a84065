package model

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const policySchemaFile = "schema/policy.schema.json"

//go:embed schema/*.json
var schemaFS embed.FS

var (
	policySchemaOnce sync.Once
	policySchema     *jsonschema.Schema
	policySchemaErr  error
)

func compiledPolicySchema() (*jsonschema.Schema, error) {
	policySchemaOnce.Do(func() {
		raw, err := schemaFS.ReadFile(policySchemaFile)
		if err != nil {
			policySchemaErr = fmt.Errorf("read policy schema: %w", err)
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			policySchemaErr = fmt.Errorf("parse policy schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(policySchemaFile, doc); err != nil {
			policySchemaErr = fmt.Errorf("add policy schema: %w", err)
			return
		}
		policySchema, policySchemaErr = c.Compile(policySchemaFile)
	})
	return policySchema, policySchemaErr
}

// ValidatePolicyDocument checks a raw JSON policy body against the policy schema.
// It catches what decoding into Policy would silently coerce or drop, such as a
// string priority or a rule without an action.
func ValidatePolicyDocument(raw []byte) error {
	sch, err := compiledPolicySchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Validationf("invalid JSON body: %v", err)
	}
	if err := sch.Validate(inst); err != nil {
		return Validationf("policy document: %v", err)
	}
	return nil
}
