package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stblengine/core/events"
	"stblengine/services/cdpd/oracle"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("journal: record not found")

// accountKeys lists, in priority order, the attribute naming the position an
// event belongs to.
var accountKeys = []string{"user", "debtor", "onBehalfOf", "from"}

// Journal stores engine events and oracle rounds in a relational database.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// Dialector selects the gorm driver for dsn. postgres:// and postgresql://
// URLs use PostgreSQL; anything else is treated as a SQLite DSN.
func Dialector(dsn string) (gorm.Dialector, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("journal: dsn required")
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(trimmed), nil
	}
	return sqlite.Open(trimmed), nil
}

// Open connects to dsn and migrates the schema.
func Open(dsn string, logger *slog.Logger) (*Journal, error) {
	dialector, err := Dialector(dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: time.Now}, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. Persistence failures are logged; the state
// change the event describes has already been committed.
func (j *Journal) Emit(evt events.Event) {
	if err := j.RecordEvent(context.Background(), evt); err != nil {
		j.logger.Error("journal: record event", "type", evt.EventType(), "error", err)
	}
}

// RecordEvent persists evt.
func (j *Journal) RecordEvent(ctx context.Context, evt events.Event) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal: not configured")
	}
	if evt == nil {
		return nil
	}
	payload := evt.Event()
	if payload == nil {
		return nil
	}
	attrs, err := json.Marshal(payload.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}
	record := EventRecord{
		ID:         uuid.Must(uuid.NewV7()),
		Type:       payload.Type,
		Account:    accountOf(payload.Attributes),
		Asset:      payload.Attributes["asset"],
		Amount:     amountOf(payload.Attributes),
		Attributes: string(attrs),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("journal: insert event: %w", err)
	}
	return nil
}

func accountOf(attrs map[string]string) string {
	for _, key := range accountKeys {
		if v := attrs[key]; v != "" {
			return v
		}
	}
	return ""
}

func amountOf(attrs map[string]string) string {
	if v := attrs["amount"]; v != "" {
		return v
	}
	return attrs["coveredDebt"]
}

// RecordRound implements oracle.Recorder.
func (j *Journal) RecordRound(ctx context.Context, round oracle.Round) error {
	if j == nil || j.db == nil {
		return fmt.Errorf("journal: not configured")
	}
	answer := ""
	if round.Answer != nil {
		answer = round.Answer.String()
	}
	record := RoundRecord{
		ID:         uuid.New(),
		Symbol:     round.Symbol,
		RoundID:    round.RoundID,
		Answer:     answer,
		Decimals:   int(round.Decimals),
		Median:     round.Median,
		Feeders:    strings.Join(round.Feeders, ","),
		ProofID:    round.ProofID,
		ObservedAt: round.UpdatedAt.UTC(),
		CreatedAt:  j.now().UTC(),
	}
	if err := j.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("journal: insert round: %w", err)
	}
	return nil
}

// EventFilter narrows an event query. Zero values match everything.
type EventFilter struct {
	Type    string
	Account string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Events returns matching events in insertion order. Event ids are
// time-ordered, which breaks ties between rows sharing a timestamp.
func (j *Journal) Events(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	if j == nil || j.db == nil {
		return nil, fmt.Errorf("journal: not configured")
	}
	query := j.db.WithContext(ctx).Model(&EventRecord{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Account != "" {
		query = query.Where("account = ?", filter.Account)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at < ?", filter.Until.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var records []EventRecord
	if err := query.Order("created_at asc, id asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal: query events: %w", err)
	}
	return records, nil
}

// LatestRound returns the most recent round recorded for symbol.
func (j *Journal) LatestRound(ctx context.Context, symbol string) (RoundRecord, error) {
	var record RoundRecord
	if j == nil || j.db == nil {
		return record, fmt.Errorf("journal: not configured")
	}
	err := j.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(strings.TrimSpace(symbol))).
		Order("round_id desc").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return record, ErrNotFound
	}
	if err != nil {
		return record, fmt.Errorf("journal: query round: %w", err)
	}
	return record, nil
}

// DecodeAttributes returns the attribute map stored with record.
func DecodeAttributes(record EventRecord) (map[string]string, error) {
	attrs := make(map[string]string)
	if record.Attributes == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(record.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("journal: decode attributes: %w", err)
	}
	return attrs, nil
}
