package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingescrow/core/types"
)

type stampedEvent struct {
	evt *types.Event
	ts  int64
}

func (s stampedEvent) EventType() string   { return s.evt.Type }
func (s stampedEvent) Event() *types.Event { return s.evt }
func (s stampedEvent) Timestamp() int64    { return s.ts }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func newTestEvent(kind, booking string) *types.Event {
	return &types.Event{Type: kind, Attributes: map[string]string{"bookingId": booking}}
}

func TestLogAppendsChainedRecords(t *testing.T) {
	log := NewLog()
	log.SetNowFunc(func() int64 { return 99 })

	log.Emit(stampedEvent{evt: newTestEvent("escrow.deposited", "a"), ts: 10})
	log.Emit(stampedEvent{evt: newTestEvent("escrow.deposited", "b"), ts: 0})
	log.Emit(bareEvent{})

	records := log.Records(0, 0)
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].Sequence)
	require.Equal(t, int64(10), records[0].Timestamp)
	require.Equal(t, int64(99), records[1].Timestamp)
	require.Equal(t, records[1].Digest, log.Head())
	require.NoError(t, log.Verify())
	require.NoError(t, VerifyChain([32]byte{}, records))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log := NewLog()
	for _, id := range []string{"a", "b", "c"} {
		log.Append(1, newTestEvent("escrow.deposited", id))
	}
	records := log.Records(0, 0)
	records[1].Event.Attributes["bookingId"] = "forged"
	require.ErrorIs(t, VerifyChain([32]byte{}, records), ErrChainBroken)

	// The log itself hands out copies.
	require.NoError(t, log.Verify())
}

func TestRecordsPaging(t *testing.T) {
	log := NewLog()
	for i := 0; i < 5; i++ {
		log.Append(int64(i+1), newTestEvent("escrow.refunded", "p"))
	}
	page := log.Records(1, 2)
	require.Len(t, page, 2)
	require.Equal(t, uint64(2), page[0].Sequence)
	require.Equal(t, uint64(3), page[1].Sequence)
	require.Empty(t, log.Records(5, 10))
	require.NoError(t, VerifyChain(log.Records(0, 1)[0].Digest, log.Records(1, 0)))
}

func TestFilterByAttribute(t *testing.T) {
	log := NewLog()
	log.Append(1, newTestEvent("escrow.deposited", "x"))
	log.Append(2, newTestEvent("escrow.deposited", "y"))
	log.Append(3, newTestEvent("escrow.paid_out", "x"))

	matched := log.Filter("bookingId", "x")
	require.Len(t, matched, 2)
	require.Equal(t, "escrow.paid_out", matched[1].Event.Type)
	require.Equal(t, 3, log.Len())
}

func TestSubscribeDeliversBacklogAndLive(t *testing.T) {
	log := NewLog()
	log.Append(1, newTestEvent("escrow.deposited", "s"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop, backlog := log.Subscribe(ctx, 0)
	defer stop()
	require.Len(t, backlog, 1)

	log.Append(2, newTestEvent("escrow.verification_passed", "s"))
	select {
	case rec := <-updates:
		require.Equal(t, uint64(2), rec.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live record")
	}

	stop()
	_, open := <-updates
	require.False(t, open)
}

func TestSlowSubscriberDoesNotBlockAppend(t *testing.T) {
	log := NewLog()
	_, stop, _ := log.Subscribe(context.Background(), 0)
	defer stop()
	for i := 0; i < subscriberBuffer+5; i++ {
		log.Append(1, newTestEvent("escrow.deposited", "slow"))
	}
	require.Equal(t, uint64(5), log.Dropped())
}

type countingEmitter struct{ n int }

func (c *countingEmitter) Emit(Event) { c.n++ }

func TestMultiEmitter(t *testing.T) {
	a, b := &countingEmitter{}, &countingEmitter{}
	Multi{a, nil, b}.Emit(bareEvent{})
	require.Equal(t, 1, a.n)
	require.Equal(t, 1, b.n)
}

func TestRestoreContinuesChain(t *testing.T) {
	source := NewLog()
	for _, id := range []string{"a", "b"} {
		source.Append(5, newTestEvent("escrow.deposited", id))
	}
	persisted := source.Records(0, 0)

	restored := NewLog()
	require.NoError(t, restored.Restore(persisted))
	require.Equal(t, source.Head(), restored.Head())

	next := restored.Append(6, newTestEvent("escrow.deposited", "c"))
	require.Equal(t, uint64(3), next.Sequence)
	require.NoError(t, restored.Verify())
	require.ErrorIs(t, restored.Restore(persisted), ErrLogNotEmpty)
}

func TestRestoreRejectsBrokenHistory(t *testing.T) {
	source := NewLog()
	for _, id := range []string{"a", "b", "c"} {
		source.Append(5, newTestEvent("escrow.deposited", id))
	}
	records := source.Records(0, 0)

	require.Error(t, NewLog().Restore(records[1:]))

	records[2].Timestamp = 7
	require.ErrorIs(t, NewLog().Restore(records), ErrChainBroken)
}
