package usecase

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// SessionArgs are the arguments of get_notes and reset_session.
// session_id is accepted for clients of the earlier wire format.
type SessionArgs struct {
	SessionID       string `mapstructure:"sessionId" json:"sessionId" jsonschema:"required,description=Session identifier"`
	LegacySessionID string `mapstructure:"session_id" json:"-"`
}

type AddNoteArgs struct {
	SessionID       string `mapstructure:"sessionId" json:"sessionId" jsonschema:"required,description=Session identifier"`
	LegacySessionID string `mapstructure:"session_id" json:"-"`
	Note            string `mapstructure:"note" json:"note" jsonschema:"required,description=Note text to append"`
}

type EchoArgs struct {
	Text string `mapstructure:"text" json:"text" jsonschema:"required,description=Text to echo"`
}

// schemaFor reflects T into the plain JSON Schema object transports publish.
func schemaFor[T any]() map[string]any {
	r := jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	var v T
	b, err := json.Marshal(r.Reflect(v))
	if err != nil {
		panic("usecase: marshal tool schema: " + err.Error())
	}
	var schema map[string]any
	if err := json.Unmarshal(b, &schema); err != nil {
		panic("usecase: unmarshal tool schema: " + err.Error())
	}
	delete(schema, "$schema")
	delete(schema, "$id")
	return schema
}
