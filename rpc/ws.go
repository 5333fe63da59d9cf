package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"bookingescrow/core/events"
	"bookingescrow/native/escrow"
)

const (
	wsWriteTimeout = 10 * time.Second
)

// HandleEventsWS streams event log records over a websocket. The optional
// cursor query parameter resumes after a sequence number and booking filters
// the stream to a single booking.
func (s *Server) HandleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.log == nil {
		http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
		return
	}
	var cursor uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	booking := strings.TrimSpace(r.URL.Query().Get("booking"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Reads are only used to notice the client going away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, booking); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("rpc: event stream failed", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, booking string) error {
	updates, cancel, backlog := s.log.Subscribe(ctx, cursor)
	defer cancel()

	stream := &eventStream{
		log:     s.log,
		booking: booking,
		last:    cursor,
		write:   func(rec events.Record) error { return writeRecord(ctx, conn, rec) },
	}
	for _, rec := range backlog {
		if err := stream.deliver(rec); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.deliver(rec); err != nil {
				return err
			}
		}
	}
}

// eventStream writes records in sequence order. The log drops deliveries to
// a subscriber whose buffer is full, so a record that skips ahead of the
// last one sent is preceded by a backfill from the log.
type eventStream struct {
	log     *events.Log
	booking string
	last    uint64
	write   func(events.Record) error
}

func (st *eventStream) deliver(rec events.Record) error {
	if rec.Sequence <= st.last {
		return nil
	}
	pending := []events.Record{rec}
	if rec.Sequence > st.last+1 {
		pending = st.log.Records(st.last, int(rec.Sequence-st.last))
	}
	for _, r := range pending {
		if r.Sequence <= st.last {
			continue
		}
		st.last = r.Sequence
		if !matchesBooking(r, st.booking) {
			continue
		}
		if err := st.write(r); err != nil {
			return err
		}
	}
	return nil
}

func matchesBooking(rec events.Record, booking string) bool {
	if booking == "" {
		return true
	}
	return rec.Event != nil && rec.Event.Attributes[escrow.AttrBookingID] == booking
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	data, err := json.Marshal(FormatRecord(rec))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
