package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	// DefaultVerificationTimeout is the window granted to oracles after a
	// booking is funded.
	DefaultVerificationTimeout = 24 * time.Hour
	// DefaultPenaltyBps is the share of a failed booking paid to the payee by
	// the penalty refund path.
	DefaultPenaltyBps uint32 = 1_000
	// MaxBps bounds every basis-point parameter.
	MaxBps uint32 = 10_000
	// MaxBookingIDLength bounds caller-supplied identifiers.
	MaxBookingIDLength = 128
)

// BookingStatus represents the lifecycle states of a booking escrow.
type BookingStatus uint8

const (
	BookingPending BookingStatus = iota
	BookingVerificationPassed
	BookingVerificationFailed
	BookingRefunded
	BookingPaid
	BookingDisputed
)

// Valid reports whether the status value is within the supported range.
func (s BookingStatus) Valid() bool {
	switch s {
	case BookingPending, BookingVerificationPassed, BookingVerificationFailed, BookingRefunded, BookingPaid, BookingDisputed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition may leave the status.
func (s BookingStatus) Terminal() bool {
	return s == BookingRefunded || s == BookingPaid
}

func (s BookingStatus) String() string {
	switch s {
	case BookingPending:
		return "pending"
	case BookingVerificationPassed:
		return "verification_passed"
	case BookingVerificationFailed:
		return "verification_failed"
	case BookingRefunded:
		return "refunded"
	case BookingPaid:
		return "paid"
	case BookingDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseBookingStatus maps the canonical string form back to a status.
func ParseBookingStatus(raw string) (BookingStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for s := BookingPending; s <= BookingDisputed; s++ {
		if s.String() == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown booking status %q", raw)
}

// Booking captures the immutable terms and runtime status of a single escrow
// between a payer and a payee.
type Booking struct {
	ID                   string
	Payer                [20]byte
	Payee                [20]byte
	Amount               *big.Int
	CreatedAt            int64
	VerificationDeadline int64
	Status               BookingStatus
	Verified             bool
}

// Clone returns a deep copy of the booking so callers can safely mutate the
// copy without affecting the stored instance.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	clone := *b
	if b.Amount != nil {
		clone.Amount = new(big.Int).Set(b.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// ValidateBookingID enforces the length bounds. Identifiers are compared
// byte for byte, so surrounding whitespace is rejected rather than trimmed.
func ValidateBookingID(id string) error {
	if id == "" {
		return fmt.Errorf("escrow: booking id required: %w", ErrInvalidID)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("escrow: booking id %q has surrounding whitespace: %w", id, ErrInvalidID)
	}
	if len(id) > MaxBookingIDLength {
		return fmt.Errorf("escrow: booking id exceeds %d bytes: %w", MaxBookingIDLength, ErrInvalidID)
	}
	return nil
}

// SanitizeBooking validates the supplied record and returns a clone. The original value is not mutated.
func SanitizeBooking(b *Booking) (*Booking, error) {
	if b == nil {
		return nil, fmt.Errorf("nil booking")
	}
	clone := b.Clone()
	if err := ValidateBookingID(clone.ID); err != nil {
		return nil, err
	}
	if clone.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("booking amount must be positive")
	}
	if clone.Payer == clone.Payee {
		return nil, fmt.Errorf("booking payer and payee must differ")
	}
	if clone.VerificationDeadline < clone.CreatedAt {
		return nil, fmt.Errorf("booking deadline precedes creation")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid booking status: %d", clone.Status)
	}
	return clone, nil
}
