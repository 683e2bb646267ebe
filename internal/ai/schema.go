package ai

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// patchSetSchema constrains what a provider response may contain before
// any of it is decoded into a PatchSet. Providers are remote and not
// trusted to stay well-behaved across model updates.
const patchSetSchema = `{
	"type": "object",
	"required": ["files"],
	"properties": {
		"id":           {"type": "string"},
		"scriptRootId": {"type": "string"},
		"summary":      {"type": "string"},
		"source":       {"type": "string"},
		"autoApply":    {"type": "boolean"},
		"autoPreview":  {"type": "boolean"},
		"files": {
			"type": "array",
			"maxItems": 256,
			"items": {
				"type": "object",
				"required": ["path", "content"],
				"properties": {
					"path":    {"type": "string", "minLength": 1, "maxLength": 512},
					"content": {"type": "string"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

var compiledPatchSchema = jsonschema.MustCompileString("patchset.json", patchSetSchema)

// validatePatchJSON checks a raw provider response against the
// patch-set schema.
func validatePatchJSON(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return compiledPatchSchema.Validate(doc)
}

// firstValidationError flattens a jsonschema error tree into its most
// specific message for the event stream.
func firstValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := strings.TrimPrefix(ve.InstanceLocation, "/")
	if loc == "" {
		return ve.Message
	}
	return loc + ": " + ve.Message
}
