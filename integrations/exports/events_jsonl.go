package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"bookingescrow/core/events"
)

// EventsJSONL builds a JSON Lines export for the supplied log records and
// returns the serialised payload alongside a checksum.
func EventsJSONL(records []events.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, rec := range records {
		row := newEventRow(rec)
		attributes := map[string]string{}
		if rec.Event != nil {
			for k, v := range rec.Event.Attributes {
				attributes[k] = v
			}
		}
		payload := map[string]interface{}{
			"sequence":    row.Sequence,
			"type":        row.Type,
			"booking_id":  row.BookingID,
			"amount":      row.Amount,
			"status":      row.Status,
			"recorded_at": time.Unix(rec.Timestamp, 0).UTC().Format(time.RFC3339),
			"attributes":  attributes,
			"digest":      row.Digest,
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
