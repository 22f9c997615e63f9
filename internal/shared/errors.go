package shared

import "errors"

// ErrUnauthorizedOperation indicates the caller presented no valid capability token.
var ErrUnauthorizedOperation = errors.New("operation not authorized")
