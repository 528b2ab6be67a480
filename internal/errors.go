package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrNoTokens        = errors.New("no enabled tokens")
	ErrBadRequest      = errors.New("bad request")
	ErrBadModel        = errors.New("bad model name")
	ErrVisionDisabled  = errors.New("vision disabled for this key")
	ErrBadImage        = errors.New("unsupported or malformed image")
	ErrUpstream        = errors.New("upstream error")
	ErrUpstreamSilence = errors.New("upstream produced no data")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenMalformed  = errors.New("malformed token")
)
