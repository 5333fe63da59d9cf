package state

import (
	"fmt"
	"math/big"
	"sort"

	"bookingescrow/core/types"
	"bookingescrow/native/escrow"
)

type storedBooking struct {
	ID                   string
	Payer                [20]byte
	Payee                [20]byte
	Amount               *big.Int
	CreatedAt            uint64
	VerificationDeadline uint64
	Status               uint8
	Verified             bool
}

func newStoredBooking(b *escrow.Booking) (*storedBooking, error) {
	if b.CreatedAt < 0 || b.VerificationDeadline < 0 {
		return nil, fmt.Errorf("state: booking %q has negative timestamp", b.ID)
	}
	return &storedBooking{
		ID:                   b.ID,
		Payer:                b.Payer,
		Payee:                b.Payee,
		Amount:               new(big.Int).Set(b.Amount),
		CreatedAt:            uint64(b.CreatedAt),
		VerificationDeadline: uint64(b.VerificationDeadline),
		Status:               uint8(b.Status),
		Verified:             b.Verified,
	}, nil
}

func (s *storedBooking) toBooking() *escrow.Booking {
	return &escrow.Booking{
		ID:                   s.ID,
		Payer:                s.Payer,
		Payee:                s.Payee,
		Amount:               new(big.Int).Set(s.Amount),
		CreatedAt:            int64(s.CreatedAt),
		VerificationDeadline: int64(s.VerificationDeadline),
		Status:               escrow.BookingStatus(s.Status),
		Verified:             s.Verified,
	}
}

// BookingGet loads the booking stored under id.
func (t *tx) BookingGet(id string) (*escrow.Booking, bool, error) {
	var stored storedBooking
	ok, err := t.getRLP(bookingKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	if stored.Amount == nil {
		stored.Amount = big.NewInt(0)
	}
	return stored.toBooking(), true, nil
}

// BookingPut validates and stores the booking, indexing new identifiers.
func (t *tx) BookingPut(b *escrow.Booking) error {
	sanitized, err := escrow.SanitizeBooking(b)
	if err != nil {
		return err
	}
	stored, err := newStoredBooking(sanitized)
	if err != nil {
		return err
	}
	key := bookingKey(sanitized.ID)
	existing, err := t.get(key)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		ids, err := t.BookingIDs()
		if err != nil {
			return err
		}
		idx := sort.SearchStrings(ids, sanitized.ID)
		ids = append(ids, "")
		copy(ids[idx+1:], ids[idx:])
		ids[idx] = sanitized.ID
		if err := t.putRLP(bookingIndexKey, ids); err != nil {
			return err
		}
	}
	return t.putRLP(key, stored)
}

// BookingIDs returns every booking identifier in ascending order.
func (t *tx) BookingIDs() ([]string, error) {
	var ids []string
	if _, err := t.getRLP(bookingIndexKey, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// RoleMembers returns the explicit members of role in ascending byte order.
func (t *tx) RoleMembers(role escrow.Role) ([][20]byte, error) {
	var members [][20]byte
	if _, err := t.getRLP(roleKey(role), &members); err != nil {
		return nil, err
	}
	return members, nil
}

// RolePut replaces the member list of role.
func (t *tx) RolePut(role escrow.Role, members [][20]byte) error {
	if members == nil {
		members = [][20]byte{}
	}
	return t.putRLP(roleKey(role), members)
}

// EscrowCredit moves amt from the spendable balance of from into custody.
func (t *tx) EscrowCredit(from [20]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("state: custody credit must be positive")
	}
	acct, err := t.account(from)
	if err != nil {
		return err
	}
	if acct.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("state: insufficient balance: have %s, need %s", acct.Balance, amt)
	}
	custody, err := t.CustodyBalance()
	if err != nil {
		return err
	}
	acct.Balance.Sub(acct.Balance, amt)
	if err := t.putAccount(from, acct); err != nil {
		return err
	}
	return t.putRLP(custodyKey, custody.Add(custody, amt))
}

// EscrowDebit moves amt out of custody to the spendable balance of to.
func (t *tx) EscrowDebit(to [20]byte, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("state: custody debit must be positive")
	}
	if to == ([20]byte{}) {
		return fmt.Errorf("state: payout to null identity")
	}
	custody, err := t.CustodyBalance()
	if err != nil {
		return err
	}
	if custody.Cmp(amt) < 0 {
		return fmt.Errorf("state: custody %s below payout %s", custody, amt)
	}
	acct, err := t.account(to)
	if err != nil {
		return err
	}
	acct.Balance.Add(acct.Balance, amt)
	if err := t.putAccount(to, acct); err != nil {
		return err
	}
	return t.putRLP(custodyKey, custody.Sub(custody, amt))
}

// Balance returns the spendable balance of addr.
func (t *tx) Balance(addr [20]byte) (*big.Int, error) {
	acct, err := t.account(addr)
	if err != nil {
		return nil, err
	}
	return acct.Balance, nil
}

// CustodyBalance returns the total value held on behalf of open bookings.
func (t *tx) CustodyBalance() (*big.Int, error) {
	custody := new(big.Int)
	ok, err := t.getRLP(custodyKey, custody)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return custody, nil
}

func (t *tx) account(addr [20]byte) (*types.Account, error) {
	acct := new(types.Account)
	if _, err := t.getRLP(accountKey(addr), acct); err != nil {
		return nil, err
	}
	acct.EnsureDefaults()
	return acct, nil
}

func (t *tx) putAccount(addr [20]byte, acct *types.Account) error {
	acct.EnsureDefaults()
	return t.putRLP(accountKey(addr), acct)
}
