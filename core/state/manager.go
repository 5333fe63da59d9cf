package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bookingescrow/core/types"
	"bookingescrow/native/escrow"
	"bookingescrow/storage"
)

// Manager provides transactional access to the escrow ledger persisted in a
// key-value database. Writes are staged in a per-call overlay and committed
// as a single batch; concurrent Updates are serialised.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

var _ escrow.Store = (*Manager)(nil)

var (
	bookingPrefix   = []byte("booking:")
	accountPrefix   = []byte("account:")
	rolePrefix      = []byte("role:")
	bookingIndexKey = ethcrypto.Keccak256([]byte("booking-index"))
	custodyKey      = ethcrypto.Keccak256([]byte("escrow-custody"))
	genesisKey      = ethcrypto.Keccak256([]byte("genesis-applied"))
)

func prefixedKey(prefix, suffix []byte) []byte {
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix)
	return ethcrypto.Keccak256(buf)
}

func bookingKey(id string) []byte { return prefixedKey(bookingPrefix, []byte(id)) }

func accountKey(addr [20]byte) []byte { return prefixedKey(accountPrefix, addr[:]) }

func roleKey(role escrow.Role) []byte { return prefixedKey(rolePrefix, []byte(role.String())) }

// Update runs fn against a staging overlay and commits every staged write
// atomically when fn succeeds. Any error discards the overlay.
func (m *Manager) Update(fn func(escrow.LedgerState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newTx(m.db)
	if err := fn(tx); err != nil {
		return err
	}
	if err := m.db.Write(tx.batch()); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// View runs fn against the committed state. Writes made by fn are dropped.
func (m *Manager) View(fn func(escrow.LedgerState) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m.db))
}

// Credit adds amount to the spendable balance of addr. It is used to apply
// genesis allocations and is not reachable through the escrow engine.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if addr == ([20]byte{}) {
		return fmt.Errorf("state: credit to null identity")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	return m.Update(func(st escrow.LedgerState) error {
		t := st.(*tx)
		acct, err := t.account(addr)
		if err != nil {
			return err
		}
		acct.Balance.Add(acct.Balance, amount)
		return t.putAccount(addr, acct)
	})
}

// ApplyGenesis credits the initial allocations exactly once per database.
// It reports false without touching balances when genesis already ran.
func (m *Manager) ApplyGenesis(allocations map[[20]byte]*big.Int) (bool, error) {
	applied := false
	err := m.Update(func(st escrow.LedgerState) error {
		t := st.(*tx)
		marker, err := t.get(genesisKey)
		if err != nil {
			return err
		}
		if len(marker) > 0 {
			return nil
		}
		for addr, amount := range allocations {
			if addr == ([20]byte{}) || amount == nil || amount.Sign() <= 0 {
				return fmt.Errorf("state: invalid genesis allocation")
			}
			acct, err := t.account(addr)
			if err != nil {
				return err
			}
			acct.Balance.Add(acct.Balance, amount)
			if err := t.putAccount(addr, acct); err != nil {
				return err
			}
		}
		t.put(genesisKey, []byte{1})
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Account returns the stored account for addr, zero-valued when absent.
func (m *Manager) Account(addr [20]byte) (*types.Account, error) {
	var out *types.Account
	err := m.View(func(st escrow.LedgerState) error {
		acct, err := st.(*tx).account(addr)
		out = acct
		return err
	})
	return out, err
}

// CheckCustody verifies that the custody balance equals the sum of amounts
// held by non-terminal bookings.
func (m *Manager) CheckCustody() error {
	return m.View(func(st escrow.LedgerState) error {
		ids, err := st.BookingIDs()
		if err != nil {
			return err
		}
		held := big.NewInt(0)
		for _, id := range ids {
			b, ok, err := st.BookingGet(id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("state: indexed booking %q missing", id)
			}
			if !b.Status.Terminal() {
				held.Add(held, b.Amount)
			}
		}
		custody, err := st.CustodyBalance()
		if err != nil {
			return err
		}
		if custody.Cmp(held) != 0 {
			return fmt.Errorf("state: custody %s does not match held amount %s", custody, held)
		}
		return nil
	})
}

// tx is the staging overlay handed to escrow closures.
type tx struct {
	db      storage.Database
	staged  map[string][]byte
	written [][]byte
}

func newTx(db storage.Database) *tx {
	return &tx{db: db, staged: make(map[string][]byte)}
}

func (t *tx) get(key []byte) ([]byte, error) {
	if value, ok := t.staged[string(key)]; ok {
		return value, nil
	}
	value, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read: %w", err)
	}
	return value, nil
}

func (t *tx) put(key []byte, value []byte) {
	if _, ok := t.staged[string(key)]; !ok {
		t.written = append(t.written, key)
	}
	t.staged[string(key)] = value
}

func (t *tx) batch() *storage.Batch {
	b := storage.NewBatch()
	for _, key := range t.written {
		b.Put(key, t.staged[string(key)])
	}
	return b
}

func (t *tx) getRLP(key []byte, out interface{}) (bool, error) {
	data, err := t.get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("state: decode: %w", err)
	}
	return true, nil
}

func (t *tx) putRLP(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	t.put(key, encoded)
	return nil
}
