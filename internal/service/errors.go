package service

import "errors"

var (
	ErrAccountSuspended = errors.New("service: account suspended")
	ErrBindingBroken    = errors.New("service: account/campaign binding broken")
	ErrInvalidState     = errors.New("service: recipient not in a state for this operation")
	ErrOutOfOrder       = errors.New("service: event arrived before the step it refers to")
	ErrNoContent        = errors.New("service: no content for action")
	ErrJobOpen          = errors.New("service: job is still open")
	ErrOnHold           = errors.New("service: recipient is flagged for attention")
)
