// Package validation checks request bodies against the embedded JSON
// schemas in schemas/.
package validation

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names accepted by Validate.
const (
	Register       = "register"
	Login          = "login"
	Listing        = "listing"
	ListingStatus  = "listing_status"
	SessionRequest = "session_request"
	CounterOffer   = "counter_offer"
	Dispute        = "dispute"
	Resolution     = "resolution"
	Deposit        = "deposit"
)

const baseURL = "https://tutoring.inaiurai.dev/schemas/"

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect schema failures as
// opposed to malformed JSON.
var ErrValidation = errors.New("validation failed")

type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles every embedded schema. Shared fragments (amount.json) are
// reachable through $ref.
func New() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	var names []string
	for _, e := range entries {
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(baseURL+e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", e.Name(), err)
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}

	schemas := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		s, err := c.Compile(baseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		schemas[name] = s
	}
	return &Validator{schemas: schemas}, nil
}

// Validate performs hard reject: it returns an error if body is not JSON or
// does not match the named schema.
func (v *Validator) Validate(schema string, body []byte) error {
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %q", schema)
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
