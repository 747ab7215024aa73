package errors

import "errors"

// Storage errors.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
)

// Key material errors.
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrKeyExists   = errors.New("signing key already exists")
)

// Token verification errors. Each failed verification wraps exactly one
// of these so resource servers can log the precise cause.
var (
	ErrExpiredSignature = errors.New("token signature has expired")
	ErrInvalidSignature = errors.New("token signature is invalid")
	ErrInvalidAudience  = errors.New("token audience is invalid")
	ErrInvalidIssuer    = errors.New("token issuer is invalid")
	ErrTokenDecode      = errors.New("token could not be decoded")
)
