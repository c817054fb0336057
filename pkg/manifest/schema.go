package manifest

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kneelinghorse/semantext-hub/pkg/errors"
)

//go:embed schema.json
var schemaJSON []byte

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("manifest schema does not compile: %v", err))
	}
	return schema
}

// ValidateBytes validates raw manifest JSON against the embedded schema.
func ValidateBytes(data []byte) error {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.NewValidationError("invalid manifest JSON", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.NewValidationError("manifest failed schema validation", nil).
		WithContext("errors", details).
		WithContext("summary", strings.Join(details, "; "))
}
