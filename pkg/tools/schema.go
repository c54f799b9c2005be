package tools

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a Go argument struct into a JSON Schema document
// suitable for model.ToolDef.Parameters, so built-in tools (write_file,
// read_file, spawn_worker, create_node, publish, ...) declare their
// arguments as plain Go structs instead of hand-authoring schema JSON.
func GenerateSchema[T any]() json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := r.Reflect(&zero)
	raw, err := json.Marshal(schema)
	if err != nil {
		panic("tools: schema reflection failed: " + err.Error())
	}
	return raw
}
