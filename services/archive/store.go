package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bookingescrow/core/events"
)

const defaultPollInterval = time.Second

// Store persists event log records and serves historical queries.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, errors.New("archive: database required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("archive: migrate: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save archives the records. Sequences already present are skipped so replays
// are harmless.
func (s *Store) Save(ctx context.Context, records ...events.Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]*EscrowEvent, 0, len(records))
	for _, rec := range records {
		row, err := newEscrowEvent(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "sequence"}}, DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("archive: save: %w", err)
	}
	return nil
}

// LastSequence returns the highest archived sequence, or zero when empty.
func (s *Store) LastSequence(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.WithContext(ctx).Model(&EscrowEvent{}).Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error
	if err != nil {
		return 0, fmt.Errorf("archive: last sequence: %w", err)
	}
	return last, nil
}

// ByBooking returns every archived record for the booking in sequence order.
func (s *Store) ByBooking(ctx context.Context, bookingID string) ([]events.Record, error) {
	var rows []EscrowEvent
	if err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).Order("sequence asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("archive: by booking: %w", err)
	}
	return toRecords(rows)
}

// Since returns up to limit archived records after the sequence. A
// non-positive limit returns everything.
func (s *Store) Since(ctx context.Context, after uint64, limit int) ([]events.Record, error) {
	query := s.db.WithContext(ctx).Where("sequence > ?", after).Order("sequence asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []EscrowEvent
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("archive: since: %w", err)
	}
	return toRecords(rows)
}

// Verify re-checks the digest chain of the whole archive.
func (s *Store) Verify(ctx context.Context) error {
	records, err := s.Since(ctx, 0, 0)
	if err != nil {
		return err
	}
	return events.VerifyChain([32]byte{}, records)
}

func toRecords(rows []EscrowEvent) ([]events.Record, error) {
	out := make([]events.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Run follows the log until ctx is done, archiving every record after the
// last archived sequence. Live records arrive through a subscription; a
// periodic catch-up pass recovers anything the subscription dropped. Before
// returning, Run archives whatever the log holds beyond the last saved
// sequence, so cancel ctx only once no more commits can happen.
func (s *Store) Run(ctx context.Context, log *events.Log, pollInterval time.Duration) error {
	if log == nil {
		return errors.New("archive: event log required")
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	last, err := s.LastSequence(ctx)
	if err != nil {
		return err
	}
	updates, cancel, backlog := log.Subscribe(ctx, last)
	defer cancel()
	if last, err = s.persist(ctx, last, backlog); err != nil {
		return err
	}
	s.logger.Info("archive: following event log", "sequence", last)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.drain(log, last)
		case rec, ok := <-updates:
			if !ok {
				return s.drain(log, last)
			}
			if rec.Sequence <= last {
				continue
			}
			if rec.Sequence != last+1 {
				if last, err = s.catchUp(ctx, log, last); err != nil {
					s.logger.Error("archive: catch up failed", "error", err)
				}
				continue
			}
			if last, err = s.persist(ctx, last, []events.Record{rec}); err != nil {
				s.logger.Error("archive: save failed", "sequence", rec.Sequence, "error", err)
			}
		case <-ticker.C:
			if last, err = s.catchUp(ctx, log, last); err != nil {
				s.logger.Error("archive: catch up failed", "error", err)
			}
		}
	}
}

func (s *Store) drain(log *events.Log, last uint64) error {
	last, err := s.catchUp(context.Background(), log, last)
	if err != nil {
		return fmt.Errorf("archive: final catch up: %w", err)
	}
	s.logger.Info("archive: stopped", "sequence", last)
	return nil
}

func (s *Store) catchUp(ctx context.Context, log *events.Log, last uint64) (uint64, error) {
	return s.persist(ctx, last, log.Records(last, 0))
}

func (s *Store) persist(ctx context.Context, last uint64, records []events.Record) (uint64, error) {
	if len(records) == 0 {
		return last, nil
	}
	if err := s.Save(ctx, records...); err != nil {
		return last, err
	}
	return records[len(records)-1].Sequence, nil
}
