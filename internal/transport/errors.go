package transport

import "errors"

var (
	errMissingPayload = errors.New("transport: envelope missing expected payload")
	errUnknownType     = errors.New("transport: unknown envelope type")
)
