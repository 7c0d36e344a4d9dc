package webhook

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/edgard/murailocrm/internal/errs"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schemas holds one compiled JSON Schema per payload kind.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

// LoadSchemas compiles every embedded schema.
func LoadSchemas() (*Schemas, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", entry.Name(), err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse schema %s: %w", entry.Name(), err)
		}
		if err := c.AddResource(entry.Name(), doc); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}

	s := &Schemas{byName: make(map[string]*jsonschema.Schema, len(names))}
	for _, file := range names {
		sch, err := c.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", file, err)
		}
		s.byName[strings.TrimSuffix(file, ".json")] = sch
	}
	return s, nil
}

// Has reports whether a schema named name exists.
func (s *Schemas) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Validate checks body against the named schema. Every failure, including
// malformed JSON, is a validation error.
func (s *Schemas) Validate(name string, body []byte) error {
	sch, ok := s.byName[name]
	if !ok {
		return errs.NewValidation(fmt.Sprintf("unknown payload kind %q", name), nil)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errs.NewValidation("payload is not valid JSON", err)
	}
	if err := sch.Validate(inst); err != nil {
		return errs.NewValidation(name+" payload failed schema validation", err)
	}
	return nil
}
