package exports

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"bookingescrow/core/events"
	"bookingescrow/native/escrow"
)

// eventRow is the flattened, columnar form of a log record shared by every
// export format.
type eventRow struct {
	Sequence  int64  `parquet:"name=sequence, type=INT64"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Type      string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	BookingID string `parquet:"name=booking_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payer     string `parquet:"name=payer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payee     string `parquet:"name=payee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount    string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status    string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Digest    string `parquet:"name=digest, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newEventRow(rec events.Record) *eventRow {
	row := &eventRow{
		Sequence:  int64(rec.Sequence),
		Timestamp: rec.Timestamp,
		Digest:    hex.EncodeToString(rec.Digest[:]),
	}
	if rec.Event == nil {
		return row
	}
	attrs := rec.Event.Attributes
	row.Type = rec.Event.Type
	row.BookingID = attrs[escrow.AttrBookingID]
	row.Payer = attrs[escrow.AttrPayer]
	row.Payee = attrs[escrow.AttrPayee]
	row.Amount = attrs[escrow.AttrAmount]
	row.Status = attrs[escrow.AttrStatus]
	return row
}

// WriteEventsParquet writes the records to a snappy-compressed parquet file
// at path.
func WriteEventsParquet(path string, records []events.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(eventRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(newEventRow(rec)); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
