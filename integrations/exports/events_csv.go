package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"

	"bookingescrow/core/events"
)

// EventsCSV builds a CSV export for the supplied log records and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func EventsCSV(records []events.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"sequence", "timestamp", "type", "booking_id", "payer", "payee", "amount", "status", "digest"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, rec := range records {
		row := newEventRow(rec)
		record := []string{
			strconv.FormatInt(row.Sequence, 10),
			strconv.FormatInt(row.Timestamp, 10),
			row.Type,
			row.BookingID,
			row.Payer,
			row.Payee,
			row.Amount,
			row.Status,
			row.Digest,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
