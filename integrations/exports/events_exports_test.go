package exports

import (
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"bookingescrow/core/events"
	"bookingescrow/native/escrow"
)

func sampleRecords(t *testing.T) []events.Record {
	t.Helper()
	var payer, payee [20]byte
	payer[19] = 1
	payee[19] = 2
	booking := &escrow.Booking{
		ID:                   "room-9",
		Payer:                payer,
		Payee:                payee,
		Amount:               big.NewInt(500),
		CreatedAt:            1700,
		VerificationDeadline: 1700 + 86400,
	}
	log := events.NewLog()
	log.Append(1700, escrow.NewDepositedEvent(booking, 1700))
	booking.Status = escrow.BookingVerificationPassed
	booking.Verified = true
	log.Append(1800, escrow.NewVerificationEvent(booking, true, 1800))
	return log.Records(0, 0)
}

func TestEventsJSONL(t *testing.T) {
	data, checksum, err := EventsJSONL(sampleRecords(t))
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if len(data) == 0 || len(checksum) != 64 {
		t.Fatalf("expected data and checksum")
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], `"booking_id":"room-9"`) || !strings.Contains(lines[0], `"amount":"500"`) {
		t.Fatalf("unexpected payload: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"status":"verification_passed"`) {
		t.Fatalf("missing status: %s", lines[1])
	}

	again, checksumAgain, err := EventsJSONL(sampleRecords(t))
	if err != nil {
		t.Fatalf("jsonl: %v", err)
	}
	if string(again) != string(data) || checksumAgain != checksum {
		t.Fatalf("export is not deterministic")
	}
}

func TestEventsCSV(t *testing.T) {
	data, checksum, err := EventsCSV(sampleRecords(t))
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if checksum == "" {
		t.Fatalf("expected checksum")
	}
	output := string(data)
	if !strings.HasPrefix(output, "sequence,timestamp,type,booking_id,payer,payee,amount,status,digest") {
		t.Fatalf("missing header: %s", output)
	}
	if !strings.Contains(output, escrow.EventTypeVerificationPassed) {
		t.Fatalf("missing verification row: %s", output)
	}
}

func TestWriteEventsParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.parquet")
	if err := WriteEventsParquet(path, sampleRecords(t)); err != nil {
		t.Fatalf("parquet: %v", err)
	}
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(eventRow), 1)
	if err != nil {
		t.Fatalf("parquet reader: %v", err)
	}
	defer pr.ReadStop()
	if rows := pr.GetNumRows(); rows != 2 {
		t.Fatalf("expected 2 rows, got %d", rows)
	}
	rows := make([]eventRow, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if rows[0].BookingID != "room-9" || rows[0].Sequence != 1 || rows[1].Type != escrow.EventTypeVerificationPassed {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}
