package collector

import (
	"encoding/json"
	"fmt"
	"reflect"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// payloadDocument describes the batch frame clients send.
type payloadDocument struct {
	AuthKey     string           `json:"authKey"`
	UserActions []actionDocument `json:"userActions"`
}

// actionDocument describes one record inside a batch. Data and code state
// are free-form and may be null. The client identity is optional.
type actionDocument struct {
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
	CodeState any    `json:"codeState"`
	UserID    string `json:"userId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
}

const schemaResource = "payload.json"

// PayloadSchema reflects the JSON schema of an inbound batch frame.
func PayloadSchema() *invopop.Schema {
	reflector := invopop.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := reflector.ReflectFromType(reflect.TypeOf(payloadDocument{}))
	schema.Version = ""
	schema.Title = "Logging Endpoint Batch"
	schema.Description = "User actions relayed by a logging client."
	return schema
}

// compileSchema turns the reflected schema into a validator.
func compileSchema() (*jsonschema.Schema, error) {
	data, err := json.Marshal(PayloadSchema())
	if err != nil {
		return nil, fmt.Errorf("marshal payload schema: %w", err)
	}

	var document any
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("decode payload schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, document); err != nil {
		return nil, fmt.Errorf("add payload schema: %w", err)
	}
	schema, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	return schema, nil
}
