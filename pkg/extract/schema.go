package extract

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
)

// GenerateSchema creates a JSON Schema from the given Go type, suitable for
// structured-output requests. AdditionalProperties is disallowed so strict
// providers accept the schema.
func GenerateSchema(value any) any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	v := reflect.New(t).Interface()
	return reflector.Reflect(v)
}

// UnmarshalFlexible parses model-generated JSON with fallbacks: standard
// unmarshaling first, then double-encoded strings, then jsonrepair for
// malformed output. Model responses routinely need the later strategies.
func UnmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var doubleEncoded string
	if err := json.Unmarshal([]byte(input), &doubleEncoded); err == nil {
		if err := json.Unmarshal([]byte(doubleEncoded), out); err == nil {
			return nil
		}
	}

	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), out)
}
