// Package main generates JSON schema of the YAML job list, run by go generate in the schedule package
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/umputun/backupd/app/schedule"
)

func main() {
	outputPath := "schema.json"
	if len(os.Args) > 1 {
		outputPath = os.Args[1]
	}
	if err := generate(outputPath); err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("schema generated at %s\n", outputPath)
}

// makeSchema reflects the job list document
func makeSchema() *jsonschema.Schema {
	schema := jsonschema.Reflect(&schedule.YamlConfig{})
	schema.Title = "Backupd YAML Schedule Schema"
	schema.Description = "Schema for backupd YAML job list"
	schema.Version = "1.0.0"
	return schema
}

func generate(path string) error {
	data, err := json.MarshalIndent(makeSchema(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil { //nolint:gosec // schema file is not sensitive
		return fmt.Errorf("failed to write schema file: %w", err)
	}
	return nil
}
