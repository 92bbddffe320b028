// Package validator checks and normalizes data-point signals against
// per-category signal definitions.
//
// Each asset category carries one signal schema. Definitions are loaded once
// per category and are immutable afterwards; validation itself is read-only
// and safe for concurrent use.
package validator

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xeipuuv/gojsonschema"

	"github.com/siteflux/ingest/errors"
)

// DataType is the declared type of a signal value.
type DataType string

const (
	TypeInt       DataType = "int"
	TypeFloat     DataType = "float"
	TypeBool      DataType = "bool"
	TypeString    DataType = "string"
	TypeTimestamp DataType = "timestamp"
)

// ValueRange bounds a numeric signal. Nil ends are unbounded.
type ValueRange struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// Rules holds the optional validation rules of a signal definition. At most
// one of Pattern, Enum, or Custom is normally set; when several are set they
// are checked in that order and the first failure wins.
type Rules struct {
	Pattern string `json:"pattern,omitempty"`
	Enum    []any  `json:"enum,omitempty"`
	Custom  string `json:"custom,omitempty"`
}

// SignalDefinition describes one named measurement channel of a category.
type SignalDefinition struct {
	Code         string      `json:"code"`
	DataType     DataType    `json:"data_type"`
	Unit         string      `json:"unit,omitempty"`
	ValueRange   *ValueRange `json:"value_range,omitempty"`
	Rules        *Rules      `json:"validation_rules,omitempty"`
	Required     bool        `json:"is_required"`
	AllowNull    bool        `json:"allow_null"`
	DefaultValue any         `json:"default_value,omitempty"`
}

// CategorySchema is the full signal schema of one asset category.
type CategorySchema struct {
	CategoryCode string             `json:"category_code"`
	Signals      []SignalDefinition `json:"signals"`

	byCode map[string]*SignalDefinition
}

// Lookup returns the definition for a signal code.
func (cs *CategorySchema) Lookup(code string) (*SignalDefinition, bool) {
	def, ok := cs.byCode[code]
	return def, ok
}

// index builds the code lookup map. Called once at load.
func (cs *CategorySchema) index() {
	cs.byCode = make(map[string]*SignalDefinition, len(cs.Signals))
	for i := range cs.Signals {
		cs.byCode[cs.Signals[i].Code] = &cs.Signals[i]
	}
}

// definitionsSchema validates signal-definition documents before they are
// trusted. Loaded documents come from operator-edited files, so structural
// problems should surface at boot, not at validation time.
const definitionsSchema = `{
  "type": "object",
  "required": ["categories"],
  "properties": {
    "categories": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["category_code", "signals"],
        "properties": {
          "category_code": {"type": "string", "minLength": 1},
          "signals": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["code", "data_type"],
              "properties": {
                "code": {"type": "string", "minLength": 1},
                "data_type": {"enum": ["int", "float", "bool", "string", "timestamp"]},
                "unit": {"type": "string"},
                "value_range": {
                  "type": "object",
                  "properties": {
                    "min": {"type": "number"},
                    "max": {"type": "number"}
                  }
                },
                "validation_rules": {
                  "type": "object",
                  "properties": {
                    "pattern": {"type": "string"},
                    "enum": {"type": "array"},
                    "custom": {"type": "string"}
                  }
                },
                "is_required": {"type": "boolean"},
                "allow_null": {"type": "boolean"}
              }
            }
          }
        }
      }
    }
  }
}`

type definitionsDocument struct {
	Categories []CategorySchema `json:"categories"`
}

// LoadDefinitions parses a signal-definitions JSON document into per-category
// schemas, validating its structure first.
func LoadDefinitions(raw []byte) (map[string]*CategorySchema, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionsSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "validator", "LoadDefinitions", "schema validation")
	}
	if !result.Valid() {
		issues := ""
		for _, desc := range result.Errors() {
			issues += desc.String() + "; "
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, issues),
			"validator", "LoadDefinitions", "document validation")
	}

	var doc definitionsDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "validator", "LoadDefinitions", "JSON parsing")
	}

	schemas := make(map[string]*CategorySchema, len(doc.Categories))
	for i := range doc.Categories {
		cat := &doc.Categories[i]
		cat.index()
		schemas[cat.CategoryCode] = cat
	}
	return schemas, nil
}

// LoadDefinitionsFile reads and parses a signal-definitions file.
func LoadDefinitionsFile(path string) (map[string]*CategorySchema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "validator", "LoadDefinitionsFile", "file read")
	}
	return LoadDefinitions(raw)
}
