package service

import "errors"

// Validation errors. Repository errors (not found, not participant,
// immutable participants) pass through unchanged.
var (
	ErrInvalidParticipants = errors.New("invalid participants")
	ErrInvalidCardinality  = errors.New("invalid participant count for conversation type")
	ErrInvalidType         = errors.New("invalid conversation type")
	ErrInvalidContentType  = errors.New("invalid content type")
	ErrEmptyContent        = errors.New("message content is empty")
	ErrInvalidCursor       = errors.New("invalid history cursor")
)
