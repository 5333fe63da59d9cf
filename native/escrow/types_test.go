package escrow

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestBookingStatusRoundTrip(t *testing.T) {
	for s := BookingPending; s <= BookingDisputed; s++ {
		parsed, err := ParseBookingStatus(strings.ToUpper(s.String()))
		if err != nil {
			t.Fatalf("parse %s: %v", s, err)
		}
		if parsed != s {
			t.Fatalf("parsed %s as %s", s, parsed)
		}
	}
	if _, err := ParseBookingStatus("settled"); err == nil {
		t.Fatalf("expected unknown status error")
	}
	if BookingStatus(42).Valid() {
		t.Fatalf("status 42 reported valid")
	}
}

func TestBookingStatusTerminal(t *testing.T) {
	terminal := map[BookingStatus]bool{BookingPaid: true, BookingRefunded: true}
	for s := BookingPending; s <= BookingDisputed; s++ {
		if s.Terminal() != terminal[s] {
			t.Fatalf("%s terminal = %v", s, s.Terminal())
		}
	}
}

func TestValidateBookingID(t *testing.T) {
	for _, id := range []string{"stay-1", "stay 1", strings.Repeat("x", MaxBookingIDLength)} {
		if err := ValidateBookingID(id); err != nil {
			t.Fatalf("%q rejected: %v", id, err)
		}
	}
	for _, id := range []string{"", " ", " stay-1", "stay-1 ", "\tstay-1\n", strings.Repeat("x", MaxBookingIDLength+1)} {
		if err := ValidateBookingID(id); !errors.Is(err, ErrInvalidID) {
			t.Fatalf("%q: expected ErrInvalidID, got %v", id, err)
		}
	}
}

func TestSanitizeBooking(t *testing.T) {
	valid := &Booking{
		ID:                   "b",
		Payer:                newTestAddress(0x01),
		Payee:                newTestAddress(0x02),
		Amount:               big.NewInt(10),
		CreatedAt:            10,
		VerificationDeadline: 20,
	}
	clean, err := SanitizeBooking(valid)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	if clean == valid || clean.Amount == valid.Amount {
		t.Fatalf("sanitize must return a copy")
	}

	mutations := map[string]func(b *Booking){
		"nil amount":      func(b *Booking) { b.Amount = nil },
		"padded id":       func(b *Booking) { b.ID = " b" },
		"same parties":    func(b *Booking) { b.Payee = b.Payer },
		"deadline before": func(b *Booking) { b.VerificationDeadline = 5 },
		"bad status":      func(b *Booking) { b.Status = BookingStatus(99) },
	}
	for name, mutate := range mutations {
		b := valid.Clone()
		mutate(b)
		if _, err := SanitizeBooking(b); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestBookingCloneIsDeep(t *testing.T) {
	b := &Booking{ID: "c", Amount: big.NewInt(9)}
	clone := b.Clone()
	clone.Amount.SetInt64(1)
	if b.Amount.Int64() != 9 {
		t.Fatalf("clone shares amount")
	}
	if (*Booking)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}
