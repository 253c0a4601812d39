package relay

import "errors"

var (
	ErrInvalidRequest    = errors.New("invalid_request")
	ErrInvalidTransition = errors.New("invalid_transition")
)
