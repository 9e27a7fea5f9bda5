package modelgw

import (
	"errors"
	"fmt"
)

// SchemaError reports a structured-output response that failed validation
// after the reformat retry budget was exhausted. Payload carries the last
// offending model output for logging; it is never returned to callers as a
// result.
type SchemaError struct {
	Schema  string
	Payload string
	Reasons []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("model output failed %s schema validation after retries: %v", e.Schema, e.Reasons)
}

// IsSchemaError reports whether err is a schema validation failure.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
