package state

import (
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"bookingescrow/native/escrow"
	"bookingescrow/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	for i := range addr {
		addr[i] = fill
	}
	return addr
}

var (
	owner  = testAddress(0xF0)
	payer  = testAddress(0x01)
	payee  = testAddress(0x02)
	oracle = testAddress(0x03)
)

func newEngine(t *testing.T, mgr *Manager, now *int64) *escrow.Engine {
	t.Helper()
	engine := escrow.NewEngine(owner)
	engine.SetState(mgr)
	engine.SetNowFunc(func() int64 { return *now })
	return engine
}

func TestManagerBookingRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	booking := &escrow.Booking{
		ID:                   "room-7",
		Payer:                payer,
		Payee:                payee,
		Amount:               big.NewInt(1234),
		CreatedAt:            100,
		VerificationDeadline: 200,
		Status:               escrow.BookingVerificationFailed,
		Verified:             true,
	}
	require.NoError(t, mgr.Update(func(st escrow.LedgerState) error {
		return st.BookingPut(booking)
	}))
	require.NoError(t, mgr.View(func(st escrow.LedgerState) error {
		got, ok, err := st.BookingGet("room-7")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, booking, got)

		_, ok, err = st.BookingGet("missing")
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	}))
}

func TestManagerIndexSortedAndDeduplicated(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	for _, id := range []string{"c", "a", "b", "a"} {
		b := &escrow.Booking{ID: id, Payer: payer, Payee: payee, Amount: big.NewInt(1)}
		require.NoError(t, mgr.Update(func(st escrow.LedgerState) error { return st.BookingPut(b) }))
	}
	require.NoError(t, mgr.View(func(st escrow.LedgerState) error {
		ids, err := st.BookingIDs()
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b", "c"}, ids)
		return nil
	}))
}

func TestManagerDiscardsFailedUpdate(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.Credit(payer, big.NewInt(50)))

	boom := errors.New("boom")
	err := mgr.Update(func(st escrow.LedgerState) error {
		require.NoError(t, st.EscrowCredit(payer, big.NewInt(20)))
		require.NoError(t, st.RolePut(escrow.RoleOracle, [][20]byte{oracle}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	acct, err := mgr.Account(payer)
	require.NoError(t, err)
	require.Equal(t, int64(50), acct.Balance.Int64())
	require.NoError(t, mgr.View(func(st escrow.LedgerState) error {
		members, err := st.RoleMembers(escrow.RoleOracle)
		require.NoError(t, err)
		require.Empty(t, members)
		custody, err := st.CustodyBalance()
		require.NoError(t, err)
		require.Zero(t, custody.Sign())
		return nil
	}))
}

func TestManagerCustodyMovements(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.Credit(payer, big.NewInt(10)))

	err := mgr.Update(func(st escrow.LedgerState) error {
		return st.EscrowCredit(payer, big.NewInt(11))
	})
	require.Error(t, err)

	require.NoError(t, mgr.Update(func(st escrow.LedgerState) error {
		if err := st.EscrowCredit(payer, big.NewInt(10)); err != nil {
			return err
		}
		return st.EscrowDebit(payee, big.NewInt(4))
	}))
	err = mgr.Update(func(st escrow.LedgerState) error {
		return st.EscrowDebit(payee, big.NewInt(7))
	})
	require.Error(t, err)
	err = mgr.Update(func(st escrow.LedgerState) error {
		return st.EscrowDebit([20]byte{}, big.NewInt(1))
	})
	require.Error(t, err)

	require.NoError(t, mgr.View(func(st escrow.LedgerState) error {
		custody, _ := st.CustodyBalance()
		require.Equal(t, int64(6), custody.Int64())
		bal, _ := st.Balance(payee)
		require.Equal(t, int64(4), bal.Int64())
		return nil
	}))
}

func TestCreditValidation(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.Error(t, mgr.Credit([20]byte{}, big.NewInt(1)))
	require.Error(t, mgr.Credit(payer, big.NewInt(0)))
	require.Error(t, mgr.Credit(payer, nil))
}

func TestEngineOverLevelDBSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	now := int64(1_700_000_000)

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	mgr := NewManager(db)
	require.NoError(t, mgr.Credit(payer, big.NewInt(500)))

	engine := newEngine(t, mgr, &now)
	require.NoError(t, engine.Authorize(owner, escrow.RoleOracle, oracle))
	_, err = engine.CreateBooking("persist", payer, payee, big.NewInt(200))
	require.NoError(t, err)
	_, err = engine.CreateBooking("open", payer, payee, big.NewInt(100))
	require.NoError(t, err)
	require.NoError(t, engine.RecordVerification("persist", oracle, true))
	require.NoError(t, engine.ReleaseToPayee("persist"))
	require.NoError(t, mgr.CheckCustody())
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	mgr = NewManager(db)
	engine = newEngine(t, mgr, &now)

	b, err := engine.GetBooking("persist")
	require.NoError(t, err)
	require.Equal(t, escrow.BookingPaid, b.Status)
	require.True(t, b.Verified)

	ok, err := engine.IsAuthorized(escrow.RoleOracle, oracle)
	require.NoError(t, err)
	require.True(t, ok)

	payeeBal, err := engine.BalanceOf(payee)
	require.NoError(t, err)
	require.Equal(t, int64(200), payeeBal.Int64())
	custody, err := engine.EscrowBalance()
	require.NoError(t, err)
	require.Equal(t, int64(100), custody.Int64())
	require.NoError(t, mgr.CheckCustody())

	_, err = engine.CreateBooking("persist", payer, payee, big.NewInt(1))
	require.ErrorIs(t, err, escrow.ErrDuplicateID)
}

func TestEnginePenaltyRefundConservesValue(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	now := int64(1_000)
	require.NoError(t, mgr.Credit(payer, big.NewInt(1_000)))
	engine := newEngine(t, mgr, &now)
	require.NoError(t, engine.Authorize(owner, escrow.RoleOracle, oracle))

	_, err := engine.CreateBooking("split", payer, payee, big.NewInt(7))
	require.NoError(t, err)
	require.NoError(t, engine.RecordVerification("split", oracle, false))
	require.NoError(t, engine.RefundWithPenalty("split"))

	payerBal, _ := engine.BalanceOf(payer)
	payeeBal, _ := engine.BalanceOf(payee)
	require.Equal(t, int64(1_000), payerBal.Int64()+payeeBal.Int64())
	require.Equal(t, int64(1_000), payerBal.Int64())
	require.NoError(t, mgr.CheckCustody())
}

func TestEngineTimeoutOverManager(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	now := int64(5_000)
	require.NoError(t, mgr.Credit(payer, big.NewInt(60)))
	engine := newEngine(t, mgr, &now)

	b, err := engine.CreateBooking("late", payer, payee, big.NewInt(60))
	require.NoError(t, err)
	now = b.VerificationDeadline + 1
	require.NoError(t, engine.HandleTimeout("late"))

	bal, _ := engine.BalanceOf(payer)
	require.Equal(t, int64(60), bal.Int64())
	ids, err := engine.ListBookings()
	require.NoError(t, err)
	require.Equal(t, []string{"late"}, ids)
}

func TestApplyGenesisRunsOnce(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	alloc := map[[20]byte]*big.Int{payer: big.NewInt(500), payee: big.NewInt(5)}

	applied, err := mgr.ApplyGenesis(alloc)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = mgr.ApplyGenesis(alloc)
	require.NoError(t, err)
	require.False(t, applied)

	acct, err := mgr.Account(payer)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(500), acct.Balance)
}

func TestApplyGenesisRejectsInvalidAllocation(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	_, err := mgr.ApplyGenesis(map[[20]byte]*big.Int{payer: big.NewInt(0)})
	require.Error(t, err)

	applied, err := mgr.ApplyGenesis(nil)
	require.NoError(t, err)
	require.True(t, applied)
}
