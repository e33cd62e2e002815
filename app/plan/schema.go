package plan

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

//go:generate go run ./internal/schema ../../plans-schema.json

// GenerateSchema returns the JSON schema of the plans file
func GenerateSchema() ([]byte, error) {
	schema := jsonschema.Reflect(&Config{})
	schema.Title = "prefkeeper plans configuration"
	schema.Description = "Subscription tiers and their usage limits"
	schema.Version = "1.0.0"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("can't marshal plans schema: %w", err)
	}
	return data, nil
}
