package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("booking not found")
	ErrDuplicateID        = errors.New("booking id already used")
	ErrInvalidID          = errors.New("invalid booking id")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidParty       = errors.New("invalid party")
	ErrInvalidRole        = errors.New("invalid role")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidState       = errors.New("invalid booking state")
	ErrAlreadyVerified    = errors.New("booking already verified")
	ErrDeadlinePassed     = errors.New("verification deadline passed")
	ErrDeadlineNotReached = errors.New("verification deadline not reached")
	ErrTransferFailed     = errors.New("transfer failed")

	errNilState = errors.New("escrow engine: state not configured")
)

func invalidState(op string, status BookingStatus) error {
	return fmt.Errorf("escrow: cannot %s in status %s: %w", op, status, ErrInvalidState)
}

func transferFailed(op string, err error) error {
	return fmt.Errorf("escrow: %s: %w: %v", op, ErrTransferFailed, err)
}
