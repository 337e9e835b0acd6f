package jsonrpc

import (
	"github.com/invopop/jsonschema"
)

type requestShape struct {
	ID      any            `json:"id" jsonschema:"required,description=Integer or string identifier unique among outstanding calls"`
	Params  map[string]any `json:"params,omitempty" jsonschema:"description=Opaque method parameters"`
	JSONRPC string         `json:"jsonrpc" jsonschema:"required,enum=2.0"`
	Method  string         `json:"method" jsonschema:"required,minLength=1"`
}

type errorShape struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message" jsonschema:"required"`
	Code    int    `json:"code" jsonschema:"required"`
}

type responseShape struct {
	ID      any         `json:"id" jsonschema:"required,description=Identifier of the request being answered"`
	Result  any         `json:"result,omitempty" jsonschema:"description=Present on success"`
	Error   *errorShape `json:"error,omitempty" jsonschema:"description=Present on failure"`
	JSONRPC string      `json:"jsonrpc" jsonschema:"required,enum=2.0"`
}

type notificationShape struct {
	Params  map[string]any `json:"params,omitempty" jsonschema:"description=Opaque notification payload"`
	JSONRPC string         `json:"jsonrpc" jsonschema:"required,enum=2.0"`
	Method  string         `json:"method" jsonschema:"required,minLength=1"`
}

// Schema describes one wire record: a request, a response or a
// notification.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	shape := func(v any, title string) *jsonschema.Schema {
		s := reflector.Reflect(v)
		s.Version = ""
		s.Title = title
		return s
	}

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "ACP JSON-RPC 2.0 record",
		Description: "One newline-delimited JSON object exchanged with an ACP agent.",
		OneOf: []*jsonschema.Schema{
			shape(&requestShape{}, "request"),
			shape(&responseShape{}, "response"),
			shape(&notificationShape{}, "notification"),
		},
	}
}
