package store

import "errors"

var (
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrCategoryNotFound  = errors.New("category not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrValidation        = errors.New("validation failed")
	ErrNoFurtherCategory = errors.New("no further categories")
	ErrAlreadyTerminal   = errors.New("ticket already terminal")
	ErrConflict          = errors.New("concurrent update conflict")
)
