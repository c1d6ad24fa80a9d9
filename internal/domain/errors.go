package domain

import "errors"

// Sentinel errors for domain-level error discrimination. Repositories
// translate DynamoDB and SQL failures into these; handlers map them to HTTP
// status codes and the chat dispatcher maps them to replies.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)
