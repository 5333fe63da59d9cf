package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"bookingescrow/core/events"
	"bookingescrow/core/types"
)

// LedgerState is the transactional view the engine operates on. Custody
// movements go through EscrowCredit (identity to custody) and EscrowDebit
// (custody to identity); either may fail, in which case the surrounding
// Update discards every staged write.
type LedgerState interface {
	BookingGet(id string) (*Booking, bool, error)
	BookingPut(*Booking) error
	BookingIDs() ([]string, error)
	RoleMembers(role Role) ([][20]byte, error)
	RolePut(role Role, members [][20]byte) error
	EscrowCredit(from [20]byte, amt *big.Int) error
	EscrowDebit(to [20]byte, amt *big.Int) error
	Balance(addr [20]byte) (*big.Int, error)
	CustodyBalance() (*big.Int, error)
}

// Store runs closures against LedgerState. Update commits the staged writes
// atomically when fn returns nil and discards them otherwise. Updates are
// serialised by the store.
type Store interface {
	Update(fn func(LedgerState) error) error
	View(fn func(LedgerState) error) error
}

// Engine wires the booking escrow state machine with external state, a clock
// and an event emitter.
type Engine struct {
	state      Store
	emitter    events.Emitter
	owner      [20]byte
	penaltyBps uint32
	timeout    int64
	nowFn      func() int64

	// commitMu spans Update and the emit that follows it, so the event
	// order always matches the commit order.
	commitMu sync.Mutex
}

// NewEngine creates an escrow engine owned by owner with a no-op emitter and
// the default policy parameters.
func NewEngine(owner [20]byte) *Engine {
	return &Engine{
		emitter:    events.NoopEmitter{},
		owner:      owner,
		penaltyBps: DefaultPenaltyBps,
		timeout:    int64(DefaultVerificationTimeout / time.Second),
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state Store) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPenaltyBps configures the payee share used by RefundWithPenalty.
func (e *Engine) SetPenaltyBps(bps uint32) error {
	if bps > MaxBps {
		return fmt.Errorf("escrow: penalty bps out of range: %d", bps)
	}
	e.penaltyBps = bps
	return nil
}

// SetVerificationTimeout configures the window applied to new bookings.
// Existing bookings keep the deadline recorded at creation.
func (e *Engine) SetVerificationTimeout(d time.Duration) error {
	if d < time.Second {
		return fmt.Errorf("escrow: verification timeout must be at least one second")
	}
	e.timeout = int64(d / time.Second)
	return nil
}

// Owner returns the identity allowed to manage roles.
func (e *Engine) Owner() [20]byte { return e.owner }

// PenaltyBps returns the configured penalty share.
func (e *Engine) PenaltyBps() uint32 { return e.penaltyBps }

func (e *Engine) emit(now int64, evts ...*types.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	for _, evt := range evts {
		if evt == nil {
			continue
		}
		e.emitter.Emit(escrowEvent{evt: evt, timestamp: now})
	}
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// commit reads the clock, runs fn inside a single Update and emits the
// events fn produced before any other commit can start.
func (e *Engine) commit(fn func(st LedgerState, now int64) ([]*types.Event, error)) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	now := e.now()
	var emitted []*types.Event
	err := e.state.Update(func(st LedgerState) error {
		evts, err := fn(st, now)
		if err != nil {
			return err
		}
		emitted = evts
		return nil
	})
	if err != nil {
		return err
	}
	e.emit(now, emitted...)
	return nil
}

// transition runs guard, loads the booking and applies the change inside one
// commit.
func (e *Engine) transition(id string, guard func(st LedgerState) error, apply func(st LedgerState, b *Booking, now int64) ([]*types.Event, error)) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := ValidateBookingID(id); err != nil {
		return err
	}
	return e.commit(func(st LedgerState, now int64) ([]*types.Event, error) {
		if guard != nil {
			if err := guard(st); err != nil {
				return nil, err
			}
		}
		b, err := loadBooking(st, id)
		if err != nil {
			return nil, err
		}
		evts, err := apply(st, b, now)
		if err != nil {
			return nil, err
		}
		if err := st.BookingPut(b); err != nil {
			return nil, err
		}
		return evts, nil
	})
}

func loadBooking(st LedgerState, id string) (*Booking, error) {
	b, ok, err := st.BookingGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("escrow: booking %q: %w", id, ErrNotFound)
	}
	return b, nil
}

func payout(st LedgerState, op string, to [20]byte, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if err := st.EscrowDebit(to, amount); err != nil {
		return transferFailed(op, err)
	}
	return nil
}

// CreateBooking records a new booking funded by payer and moves amount from
// the payer's balance into custody in the same commit.
func (e *Engine) CreateBooking(id string, payer, payee [20]byte, amount *big.Int) (*Booking, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow: amount must be positive: %w", ErrInvalidAmount)
	}
	if payee == ([20]byte{}) || payer == ([20]byte{}) {
		return nil, fmt.Errorf("escrow: null identity: %w", ErrInvalidParty)
	}
	if payee == payer {
		return nil, fmt.Errorf("escrow: payee must differ from payer: %w", ErrInvalidParty)
	}
	if err := ValidateBookingID(id); err != nil {
		return nil, err
	}
	var b *Booking
	err := e.commit(func(st LedgerState, now int64) ([]*types.Event, error) {
		_, exists, err := st.BookingGet(id)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("escrow: booking %q: %w", id, ErrDuplicateID)
		}
		b = &Booking{
			ID:                   id,
			Payer:                payer,
			Payee:                payee,
			Amount:               cloneBigInt(amount),
			CreatedAt:            now,
			VerificationDeadline: now + e.timeout,
			Status:               BookingPending,
		}
		if err := st.EscrowCredit(payer, b.Amount); err != nil {
			return nil, transferFailed("deposit", err)
		}
		if err := st.BookingPut(b); err != nil {
			return nil, err
		}
		return []*types.Event{NewDepositedEvent(b, now)}, nil
	})
	if err != nil {
		return nil, err
	}
	return b.Clone(), nil
}

// RecordVerification stores an oracle's binary decision. A decision recorded
// exactly at the deadline is accepted.
func (e *Engine) RecordVerification(id string, caller [20]byte, passed bool) error {
	oracle := func(st LedgerState) error { return e.requireRole(st, RoleOracle, caller) }
	return e.transition(id, oracle, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if b.Verified {
			return nil, fmt.Errorf("escrow: booking %q: %w", b.ID, ErrAlreadyVerified)
		}
		if b.Status != BookingPending {
			return nil, invalidState("verify", b.Status)
		}
		if now > b.VerificationDeadline {
			return nil, fmt.Errorf("escrow: booking %q: %w", b.ID, ErrDeadlinePassed)
		}
		b.Verified = true
		if passed {
			b.Status = BookingVerificationPassed
		} else {
			b.Status = BookingVerificationFailed
		}
		return []*types.Event{NewVerificationEvent(b, passed, now)}, nil
	})
}

// ReleaseToPayee pays the full amount to the payee of a booking that passed
// verification. Anyone may trigger it.
func (e *Engine) ReleaseToPayee(id string) error {
	return e.transition(id, nil, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if b.Status != BookingVerificationPassed {
			return nil, invalidState("release", b.Status)
		}
		if err := payout(st, "release", b.Payee, b.Amount); err != nil {
			return nil, err
		}
		b.Status = BookingPaid
		return []*types.Event{NewPaidOutEvent(b, b.Amount.String(), now)}, nil
	})
}

// RefundToPayer returns the full amount to the payer of a booking that failed
// verification. Anyone may trigger it.
func (e *Engine) RefundToPayer(id string) error {
	return e.transition(id, nil, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if b.Status != BookingVerificationFailed {
			return nil, invalidState("refund", b.Status)
		}
		if err := payout(st, "refund", b.Payer, b.Amount); err != nil {
			return nil, err
		}
		b.Status = BookingRefunded
		return []*types.Event{NewRefundedEvent(b, b.Amount.String(), now)}, nil
	})
}

// RefundWithPenalty settles a failed booking by paying the penalty share to
// the payee and the remainder to the payer.
func (e *Engine) RefundWithPenalty(id string) error {
	return e.transition(id, nil, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if b.Status != BookingVerificationFailed {
			return nil, invalidState("refund with penalty", b.Status)
		}
		toPayee, toPayer := SplitPenalty(b.Amount, e.penaltyBps)
		if err := payout(st, "penalty refund", b.Payer, toPayer); err != nil {
			return nil, err
		}
		if err := payout(st, "penalty payout", b.Payee, toPayee); err != nil {
			return nil, err
		}
		b.Status = BookingRefunded
		return []*types.Event{
			NewRefundedEvent(b, toPayer.String(), now),
			NewPaidOutEvent(b, toPayee.String(), now),
		}, nil
	})
}

// HandleTimeout refunds an unverified booking once its deadline has strictly
// passed. Anyone may trigger it.
func (e *Engine) HandleTimeout(id string) error {
	return e.transition(id, nil, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if b.Verified {
			return nil, fmt.Errorf("escrow: booking %q: %w", b.ID, ErrAlreadyVerified)
		}
		if b.Status != BookingPending {
			return nil, invalidState("time out", b.Status)
		}
		if now <= b.VerificationDeadline {
			return nil, fmt.Errorf("escrow: booking %q: %w", b.ID, ErrDeadlineNotReached)
		}
		if err := payout(st, "timeout refund", b.Payer, b.Amount); err != nil {
			return nil, err
		}
		b.Status = BookingRefunded
		return []*types.Event{NewRefundedEvent(b, b.Amount.String(), now)}, nil
	})
}

// RaiseDispute moves a verified booking into arbitration. Only the payer or
// payee may dispute.
func (e *Engine) RaiseDispute(id string, caller [20]byte) error {
	return e.transition(id, nil, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if caller != b.Payer && caller != b.Payee {
			return nil, fmt.Errorf("escrow: only booking parties may dispute: %w", ErrUnauthorized)
		}
		if b.Status != BookingVerificationPassed && b.Status != BookingVerificationFailed {
			return nil, invalidState("dispute", b.Status)
		}
		b.Status = BookingDisputed
		return []*types.Event{NewDisputedEvent(b, now)}, nil
	})
}

// ResolveDispute settles a disputed booking in full to the payee when
// payeeWins, otherwise to the payer. The decision is final.
func (e *Engine) ResolveDispute(id string, caller [20]byte, payeeWins bool) error {
	arbiter := func(st LedgerState) error { return e.requireRole(st, RoleArbiter, caller) }
	return e.transition(id, arbiter, func(st LedgerState, b *Booking, now int64) ([]*types.Event, error) {
		if b.Status != BookingDisputed {
			return nil, invalidState("resolve", b.Status)
		}
		recipient := b.Payer
		if payeeWins {
			recipient = b.Payee
		}
		if err := payout(st, "resolve", recipient, b.Amount); err != nil {
			return nil, err
		}
		resolved := NewDisputeResolvedEvent(b, payeeWins, now)
		if payeeWins {
			b.Status = BookingPaid
			resolved.Attributes[AttrStatus] = b.Status.String()
			return []*types.Event{resolved, NewPaidOutEvent(b, b.Amount.String(), now)}, nil
		}
		b.Status = BookingRefunded
		resolved.Attributes[AttrStatus] = b.Status.String()
		return []*types.Event{resolved, NewRefundedEvent(b, b.Amount.String(), now)}, nil
	})
}

// GetBooking returns a copy of the stored booking.
func (e *Engine) GetBooking(id string) (*Booking, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := ValidateBookingID(id); err != nil {
		return nil, err
	}
	var out *Booking
	err := e.state.View(func(st LedgerState) error {
		b, err := loadBooking(st, id)
		if err != nil {
			return err
		}
		out = b.Clone()
		return nil
	})
	return out, err
}

// IsTimedOut reports whether HandleTimeout would currently succeed on the
// booking's status and deadline.
func (e *Engine) IsTimedOut(id string) (bool, error) {
	b, err := e.GetBooking(id)
	if err != nil {
		return false, err
	}
	return b.Status == BookingPending && !b.Verified && e.now() > b.VerificationDeadline, nil
}

// TimeRemaining returns the seconds left before the verification deadline,
// clamped at zero.
func (e *Engine) TimeRemaining(id string) (int64, error) {
	b, err := e.GetBooking(id)
	if err != nil {
		return 0, err
	}
	remaining := b.VerificationDeadline - e.now()
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// ListBookings returns every booking id ever created, in ascending order.
func (e *Engine) ListBookings() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var ids []string
	err := e.state.View(func(st LedgerState) error {
		list, err := st.BookingIDs()
		if err != nil {
			return err
		}
		ids = append(ids, list...)
		return nil
	})
	return ids, err
}

// BalanceOf returns the spendable balance of identity.
func (e *Engine) BalanceOf(identity [20]byte) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out *big.Int
	err := e.state.View(func(st LedgerState) error {
		bal, err := st.Balance(identity)
		if err != nil {
			return err
		}
		out = cloneBigInt(bal)
		return nil
	})
	return out, err
}

// EscrowBalance returns the total value currently held in custody.
func (e *Engine) EscrowBalance() (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var out *big.Int
	err := e.state.View(func(st LedgerState) error {
		bal, err := st.CustodyBalance()
		if err != nil {
			return err
		}
		out = cloneBigInt(bal)
		return nil
	})
	return out, err
}
