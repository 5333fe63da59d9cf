package archive

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bookingescrow/core/events"
	"bookingescrow/core/types"
	"bookingescrow/native/escrow"
)

// EscrowEvent is the archived form of one event log record.
type EscrowEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"index;not null"`
	BookingID  string    `gorm:"index"`
	Timestamp  int64     `gorm:"not null"`
	Attributes string    `gorm:"type:text;not null"`
	Digest     string    `gorm:"size:64;not null"`
	CreatedAt  time.Time
}

func (EscrowEvent) TableName() string { return "escrow_events" }

// AutoMigrate performs the archive schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EscrowEvent{})
}

// Open connects to the archive database. Supported drivers are sqlite and
// postgres.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		return gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}
}

func newEscrowEvent(rec events.Record) (*EscrowEvent, error) {
	row := &EscrowEvent{
		ID:        uuid.New(),
		Sequence:  rec.Sequence,
		Timestamp: rec.Timestamp,
		Digest:    hex.EncodeToString(rec.Digest[:]),
	}
	attrs := map[string]string{}
	if rec.Event != nil {
		row.Type = rec.Event.Type
		row.BookingID = rec.Event.Attributes[escrow.AttrBookingID]
		attrs = rec.Event.Attributes
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("archive: encode attributes: %w", err)
	}
	row.Attributes = string(encoded)
	return row, nil
}

// Record converts the archived row back into a log record.
func (e *EscrowEvent) Record() (events.Record, error) {
	rec := events.Record{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Event:     &types.Event{Type: e.Type, Attributes: map[string]string{}},
	}
	if err := json.Unmarshal([]byte(e.Attributes), &rec.Event.Attributes); err != nil {
		return events.Record{}, fmt.Errorf("archive: decode attributes of %d: %w", e.Sequence, err)
	}
	digest, err := hex.DecodeString(e.Digest)
	if err != nil || len(digest) != len(rec.Digest) {
		return events.Record{}, fmt.Errorf("archive: invalid digest for %d", e.Sequence)
	}
	copy(rec.Digest[:], digest)
	return rec, nil
}
