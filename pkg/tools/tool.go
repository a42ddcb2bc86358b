package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Func is the untyped signature every tool is reduced to.
// params is nil when the tool takes no parameters.
type Func func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// Tool is a function the model can choose to call.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
	Function    Func               `json:"-"`
}

// HasParameters reports whether the tool expects a params object.
func (t *Tool) HasParameters() bool {
	return t.Parameters != nil
}

// Call invokes the tool. A panic in the tool function is turned into an error.
func (t *Tool) Call(ctx context.Context, params map[string]interface{}) (ret interface{}, err error) {
	if t.Function == nil {
		return nil, errors.Errorf("tool %s has no function", t.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			ret = nil
			err = errors.Errorf("panic in tool %s: %v", t.Name, r)
		}
	}()
	if !t.HasParameters() {
		params = nil
	}
	return t.Function(ctx, params)
}

// NewRawTool creates a tool from an explicit parameter schema. schema may be nil.
func NewRawTool(name, description string, schema *jsonschema.Schema, fn Func) *Tool {
	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Function:    fn,
	}
}

// NewTool creates a tool whose parameter schema is reflected from In.
// Decoded params are converted into In with mapstructure, using the json tags.
func NewTool[In any, Out any](name, description string, fn func(ctx context.Context, in In) (Out, error)) (*Tool, error) {
	var zero In
	t := reflect.TypeOf(zero)
	if t == nil {
		return nil, errors.Errorf("tool %s: input type must not be an interface", name)
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct && t.Kind() != reflect.Map {
		return nil, errors.Errorf("tool %s: input must be a struct or map, got %s", name, t.Kind())
	}

	schema, err := ReflectSchema(zero)
	if err != nil {
		return nil, errors.Wrapf(err, "tool %s", name)
	}

	f := func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
		var in In
		if err := DecodeParams(params, &in); err != nil {
			return nil, errors.Wrapf(err, "could not decode params for %s", name)
		}
		return fn(ctx, in)
	}

	return NewRawTool(name, description, schema, f), nil
}

// NewToolNoParams creates a tool that is called without arguments.
func NewToolNoParams[Out any](name, description string, fn func(ctx context.Context) (Out, error)) *Tool {
	f := func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		return fn(ctx)
	}
	return NewRawTool(name, description, nil, f)
}

// ReflectSchema builds an inline object schema for the type of v.
func ReflectSchema(v interface{}) (*jsonschema.Schema, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)
	if schema == nil {
		return nil, errors.New("could not reflect schema")
	}
	schema.Version = ""
	schema.ID = ""
	return schema, nil
}

// ReflectSchemaJSON is the serialized ReflectSchema of v, usable as a
// JSON schema sampling constraint.
func ReflectSchemaJSON(v interface{}) (string, error) {
	schema, err := ReflectSchema(v)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return "", errors.Wrap(err, "could not marshal schema")
	}
	return string(b), nil
}

// DecodeParams converts a decoded JSON object into out, honoring json tags.
// Weak typing is enabled since small models tend to quote numbers.
func DecodeParams(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if params == nil {
		return nil
	}
	return decoder.Decode(params)
}

func (t *Tool) String() string {
	return fmt.Sprintf("Tool{%s}", t.Name)
}
