package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/evaluate_request.schema.json
var evaluateRequestSchema []byte

const evaluateSchemaURL = "https://agentanchorai.com/schemas/evaluate_request.schema.json"

func compileEvaluateSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(evaluateSchemaURL, bytes.NewReader(evaluateRequestSchema)); err != nil {
		return nil, fmt.Errorf("evaluate schema load failed: %w", err)
	}
	compiled, err := c.Compile(evaluateSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("evaluate schema compile failed: %w", err)
	}
	return compiled, nil
}

// validateDocument checks raw JSON against schema. The returned message
// names the first failing location.
func validateDocument(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			leaf := ve
			for len(leaf.Causes) > 0 {
				leaf = leaf.Causes[0]
			}
			loc := leaf.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			return fmt.Errorf("%s: %s", loc, leaf.Message)
		}
		return err
	}
	return nil
}
