package types

import "errors"

// Sentinel errors shared across the service. Callers wrap them with
// fmt.Errorf("%w: ...") and match with errors.Is; the API layer maps each
// to a wire response code.
var (
	// ErrConflict means a resource with the same identifier already exists,
	// such as a collection name.
	ErrConflict = errors.New("already exists")

	// ErrNotFound means the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSchemaInvalid means a schema definition is malformed and the
	// collection it belongs to was not created.
	ErrSchemaInvalid = errors.New("invalid schema")

	// ErrValidationRejected means a candidate event or seed failed type
	// checking or its schema's validation expression.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrTransport means an upstream dependency (such as the extraction
	// model endpoint) could not be reached.
	ErrTransport = errors.New("transport failure")

	// ErrInternal means an invariant the service relies on was broken.
	ErrInternal = errors.New("internal error")
)
