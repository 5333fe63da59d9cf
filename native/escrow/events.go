package escrow

import (
	"strconv"

	"bookingescrow/core/types"
	"bookingescrow/crypto"
)

const (
	EventTypeDeposited          = "escrow.deposited"
	EventTypeVerificationPassed = "escrow.verification_passed"
	EventTypeVerificationFailed = "escrow.verification_failed"
	EventTypePaidOut            = "escrow.paid_out"
	EventTypeRefunded           = "escrow.refunded"
	EventTypeDisputed           = "escrow.disputed"
	EventTypeDisputeResolved    = "escrow.dispute_resolved"
	EventTypeRoleGranted        = "escrow.role_granted"
	EventTypeRoleRevoked        = "escrow.role_revoked"
)

// Attribute keys shared by every booking event.
const (
	AttrBookingID = "bookingId"
	AttrPayer     = "payer"
	AttrPayee     = "payee"
	AttrAmount    = "amount"
	AttrStatus    = "status"
	AttrTimestamp = "timestamp"
	AttrKind      = "kind"
	AttrOutcome   = "outcome"
	AttrRole      = "role"
	AttrIdentity  = "identity"
)

// escrowEvent adapts a canonical payload to the events.Emitter contract and
// carries the logical timestamp of the transition that produced it.
type escrowEvent struct {
	evt       *types.Event
	timestamp int64
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

func (e escrowEvent) Timestamp() int64 { return e.timestamp }

// NewDepositedEvent returns the payload emitted when a booking is funded.
func NewDepositedEvent(b *Booking, now int64) *types.Event {
	return newBookingEvent(EventTypeDeposited, b, b.Amount.String(), now)
}

// NewVerificationEvent returns the payload for a recorded oracle decision.
func NewVerificationEvent(b *Booking, passed bool, now int64) *types.Event {
	kind := EventTypeVerificationFailed
	if passed {
		kind = EventTypeVerificationPassed
	}
	return newBookingEvent(kind, b, b.Amount.String(), now)
}

// NewPaidOutEvent returns the payload for value leaving custody to the payee.
// The amount is the payee leg, which differs from the booking amount on the
// penalty path.
func NewPaidOutEvent(b *Booking, amount string, now int64) *types.Event {
	return newBookingEvent(EventTypePaidOut, b, amount, now)
}

// NewRefundedEvent returns the payload for value leaving custody to the payer.
func NewRefundedEvent(b *Booking, amount string, now int64) *types.Event {
	return newBookingEvent(EventTypeRefunded, b, amount, now)
}

// NewDisputedEvent returns the payload emitted when either party disputes.
func NewDisputedEvent(b *Booking, now int64) *types.Event {
	return newBookingEvent(EventTypeDisputed, b, b.Amount.String(), now)
}

// NewDisputeResolvedEvent returns the payload for an arbiter decision.
func NewDisputeResolvedEvent(b *Booking, payeeWins bool, now int64) *types.Event {
	evt := newBookingEvent(EventTypeDisputeResolved, b, b.Amount.String(), now)
	outcome := "payer"
	if payeeWins {
		outcome = "payee"
	}
	evt.Attributes[AttrOutcome] = outcome
	return evt
}

func newBookingEvent(kind string, b *Booking, amount string, now int64) *types.Event {
	attrs := map[string]string{
		AttrKind:      kind,
		AttrTimestamp: strconv.FormatInt(now, 10),
	}
	if b != nil {
		attrs[AttrBookingID] = b.ID
		attrs[AttrPayer] = crypto.FormatIdentity(b.Payer)
		attrs[AttrPayee] = crypto.FormatIdentity(b.Payee)
		attrs[AttrAmount] = amount
		attrs[AttrStatus] = b.Status.String()
	}
	return &types.Event{Type: kind, Attributes: attrs}
}

func newRoleEvent(kind string, role Role, identity [20]byte, now int64) *types.Event {
	attrs := map[string]string{
		AttrKind:      kind,
		AttrRole:      role.String(),
		AttrIdentity:  crypto.FormatIdentity(identity),
		AttrTimestamp: strconv.FormatInt(now, 10),
	}
	return &types.Event{Type: kind, Attributes: attrs}
}
