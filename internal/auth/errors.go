package auth

import "errors"

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidScheme = errors.New("invalid authorization scheme")
	ErrInvalidToken  = errors.New("auth: invalid token")
	ErrUnauthorized  = errors.New("auth: unauthorized")
)
