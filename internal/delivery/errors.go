package delivery

import "errors"

var (
	// ErrConfirmationLoop is returned when a send would let a confirmation
	// message beget another confirmation (rule 6.1).
	ErrConfirmationLoop = errors.New("confirmation messages may not generate further confirmations")
	// ErrMissingRecipient is returned when send is called without a target,
	// and by ConfirmationFor when the message ID is not tracked.
	ErrMissingRecipient = errors.New("message must have at least one recipient")
	// ErrMissingSender is returned when send is called without a from agent.
	ErrMissingSender = errors.New("message must have a sender")
)
