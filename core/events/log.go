package events

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"bookingescrow/core/types"
)

const subscriberBuffer = 32

// ErrChainBroken is returned by VerifyChain when a record does not link to its
// predecessor.
var ErrChainBroken = errors.New("events: digest chain broken")

// Record is a single entry of the append-only event log. Digest commits to
// the previous record's digest and to this record's content.
type Record struct {
	Sequence  uint64       `json:"sequence"`
	Timestamp int64        `json:"timestamp"`
	Event     *types.Event `json:"event"`
	Digest    [32]byte     `json:"digest"`
}

func cloneRecord(r Record) Record {
	r.Event = r.Event.Clone()
	return r
}

// Log is an in-memory, hash-chained event log. It implements Emitter so it can
// be attached directly to an engine.
type Log struct {
	mu      sync.RWMutex
	records []Record
	head    [32]byte
	subs    map[uint64]chan Record
	nextID  uint64
	nowFn   func() int64
	dropped uint64
}

// NewLog returns an empty log using the wall clock for events that carry no
// timestamp of their own.
func NewLog() *Log {
	return &Log{
		subs:  make(map[uint64]chan Record),
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the fallback clock.
func (l *Log) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	l.mu.Lock()
	l.nowFn = now
	l.mu.Unlock()
}

// Emit implements Emitter. Events without a canonical payload are ignored.
func (l *Log) Emit(evt Event) {
	payload, ok := evt.(Payload)
	if !ok || payload.Event() == nil {
		return
	}
	ts := int64(0)
	if stamped, ok := evt.(Timestamped); ok {
		ts = stamped.Timestamp()
	}
	l.Append(ts, payload.Event())
}

// Append stores evt at the tail of the log and notifies subscribers. A zero
// timestamp is replaced with the log clock.
func (l *Log) Append(ts int64, evt *types.Event) Record {
	l.mu.Lock()
	if ts == 0 {
		ts = l.nowFn()
	}
	rec := Record{
		Sequence:  uint64(len(l.records)) + 1,
		Timestamp: ts,
		Event:     evt.Clone(),
	}
	rec.Digest = chainDigest(l.head, rec)
	l.head = rec.Digest
	l.records = append(l.records, rec)
	subscribers := make([]chan Record, 0, len(l.subs))
	for _, ch := range l.subs {
		subscribers = append(subscribers, ch)
	}
	for _, ch := range subscribers {
		select {
		case ch <- cloneRecord(rec):
		default:
			l.dropped++
		}
	}
	l.mu.Unlock()
	return cloneRecord(rec)
}

// Records returns up to limit records with a sequence greater than after.
// A non-positive limit returns every remaining record.
func (l *Log) Records(after uint64, limit int) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.records)) {
		return nil
	}
	tail := l.records[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Record, len(tail))
	for i, rec := range tail {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Filter returns every record whose attribute key equals value, in order.
func (l *Log) Filter(key, value string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if rec.Event != nil && rec.Event.Attributes[key] == value {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

// Len returns the number of records appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Head returns the digest of the most recent record.
func (l *Log) Head() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Dropped reports how many deliveries were skipped because a subscriber was
// not draining its channel.
func (l *Log) Dropped() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dropped
}

// Subscribe registers a subscriber for records appended after the supplied
// sequence. The backlog holds records already in the log; live records are
// delivered on the channel until cancel is called or ctx is done.
func (l *Log) Subscribe(ctx context.Context, after uint64) (<-chan Record, func(), []Record) {
	updates := make(chan Record, subscriberBuffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = updates
	var backlog []Record
	if after < uint64(len(l.records)) {
		for _, rec := range l.records[after:] {
			backlog = append(backlog, cloneRecord(rec))
		}
	}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			if sub, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(sub)
			}
			l.mu.Unlock()
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return updates, cancel, backlog
}

// ErrLogNotEmpty is returned by Restore when the log already holds records.
var ErrLogNotEmpty = errors.New("events: log not empty")

// Restore seeds an empty log with previously persisted records. The records
// must start at sequence 1, be contiguous and form an intact digest chain.
func (l *Log) Restore(records []Record) error {
	for i, rec := range records {
		if rec.Sequence != uint64(i)+1 {
			return fmt.Errorf("events: restore: expected sequence %d, got %d", i+1, rec.Sequence)
		}
	}
	if err := VerifyChain([32]byte{}, records); err != nil {
		return fmt.Errorf("events: restore: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) > 0 {
		return ErrLogNotEmpty
	}
	for _, rec := range records {
		l.records = append(l.records, cloneRecord(rec))
	}
	if len(records) > 0 {
		l.head = records[len(records)-1].Digest
	}
	return nil
}

// Verify checks the digest chain of the whole log.
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyChain([32]byte{}, l.records)
}

// VerifyChain recomputes the digests of records starting from prev and
// reports the first record that does not match.
func VerifyChain(prev [32]byte, records []Record) error {
	for _, rec := range records {
		expected := chainDigest(prev, rec)
		if expected != rec.Digest {
			return fmt.Errorf("record %d: %w", rec.Sequence, ErrChainBroken)
		}
		prev = rec.Digest
	}
	return nil
}

func chainDigest(prev [32]byte, rec Record) [32]byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(prev[:])
	_ = binary.Write(buf, binary.BigEndian, rec.Sequence)
	_ = binary.Write(buf, binary.BigEndian, rec.Timestamp)
	if rec.Event != nil {
		writeDelimited(buf, []byte(rec.Event.Type))
		keys := make([]string, 0, len(rec.Event.Attributes))
		for k := range rec.Event.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_ = binary.Write(buf, binary.BigEndian, uint32(len(keys)))
		for _, k := range keys {
			writeDelimited(buf, []byte(k))
			writeDelimited(buf, []byte(rec.Event.Attributes[k]))
		}
	}
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}
