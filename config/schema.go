package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// validateSchema checks a raw YAML document against the #Config definition of
// the embedded CUE schema. Unknown keys and mistyped values are rejected before
// the document is decoded into Go structures.
func validateSchema(raw []byte) error {
	var document interface{}
	if err := yaml.Unmarshal(raw, &document); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if document == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	definition := schema.LookupPath(cue.ParsePath("#Config"))
	if err := definition.Err(); err != nil {
		return fmt.Errorf("lookup config schema: %w", err)
	}

	data := ctx.Encode(normalizeYAML(document))
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := definition.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("config schema: %s", cueerrors.Details(err, nil))
	}
	return nil
}

// normalizeYAML converts maps with non-string keys, which YAML allows for
// numeric keys, into string keyed maps the CUE encoder accepts.
func normalizeYAML(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = normalizeYAML(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalizeYAML(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeYAML(item)
		}
		return out
	default:
		return v
	}
}
