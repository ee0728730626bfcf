package domain

import "errors"

// ErrMessageNotFound is returned by transports when deleting a message that
// no longer exists.
var ErrMessageNotFound = errors.New("message not found")
