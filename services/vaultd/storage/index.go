// Package storage indexes committed ledger events for the vaultd API.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"yieldvault/core/events"
	"yieldvault/observability"
	"yieldvault/observability/logging"
)

// DefaultRecentLimit bounds Recent when callers pass a non-positive limit.
const DefaultRecentLimit = 50

const maxRecentLimit = 500

// EventRecord is a persisted ledger event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence   uint64    `gorm:"uniqueIndex" json:"sequence"`
	Type       string    `gorm:"size:64;index" json:"type"`
	Attributes string    `gorm:"type:text" json:"-"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (EventRecord) TableName() string { return "vault_events" }

// Decoded returns the attribute map of the record.
func (r EventRecord) Decoded() map[string]string {
	out := map[string]string{}
	if r.Attributes == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.Attributes), &out)
	return out
}

// Index implements events.Emitter on top of a gorm database.
type Index struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq uint64

	subMu   sync.Mutex
	subs    map[uint64]chan EventRecord
	nextSub uint64
}

// Dialector picks the gorm driver for dsn. postgres:// and postgresql:// URLs
// use Postgres; anything else is handed to SQLite.
func Dialector(dsn string) gorm.Dialector {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(trimmed)
	}
	return sqlite.Open(trimmed)
}

// Open connects to dsn and migrates the event table.
func Open(dsn string) (*Index, error) {
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open event index: %w", err)
	}
	return New(db)
}

// New wraps an existing connection.
func New(db *gorm.DB) (*Index, error) {
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("migrate event index: %w", err)
	}
	idx := &Index{db: db, logger: logging.Component(nil, "event-index"), now: time.Now}
	var last EventRecord
	res := db.Order("sequence desc").Limit(1).Find(&last)
	if res.Error != nil {
		return nil, fmt.Errorf("load event sequence: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		idx.seq = last.Sequence
	}
	return idx, nil
}

// SetNowFunc overrides the clock used for CreatedAt. Intended for tests.
func (i *Index) SetNowFunc(now func() time.Time) {
	if now != nil {
		i.now = now
	}
}

// Emit persists evt. Index failures are logged and counted; they never block
// the ledger that produced the event.
func (i *Index) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	attrs := "{}"
	if payload != nil && len(payload.Attributes) > 0 {
		raw, err := json.Marshal(payload.Attributes)
		if err == nil {
			attrs = string(raw)
		}
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.seq++
	record := EventRecord{
		ID:         uuid.New(),
		Sequence:   i.seq,
		Type:       evt.EventType(),
		Attributes: attrs,
		CreatedAt:  i.now().UTC(),
	}
	if err := i.db.Create(&record).Error; err != nil {
		i.seq--
		observability.Events().RecordIndexFailure()
		i.logger.Error("index event", "type", record.Type, "error", err)
		return
	}
	observability.Events().RecordEvent(record.Type)
	i.publish(record)
}

// Subscribe registers a live listener for records persisted after the call.
// Slow listeners drop records rather than stall the ledger. The returned
// cancel function closes the channel.
func (i *Index) Subscribe(buffer int) (<-chan EventRecord, func()) {
	if buffer <= 0 {
		buffer = DefaultRecentLimit
	}
	ch := make(chan EventRecord, buffer)
	i.subMu.Lock()
	if i.subs == nil {
		i.subs = make(map[uint64]chan EventRecord)
	}
	i.nextSub++
	id := i.nextSub
	i.subs[id] = ch
	i.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			i.subMu.Lock()
			delete(i.subs, id)
			i.subMu.Unlock()
			close(ch)
		})
	}
}

func (i *Index) publish(record EventRecord) {
	i.subMu.Lock()
	defer i.subMu.Unlock()
	for id, ch := range i.subs {
		select {
		case ch <- record:
		default:
			i.logger.Warn("event subscriber lagging", "subscriber", id, "type", record.Type)
		}
	}
}

// Recent returns up to limit events, newest first. An empty eventType matches
// every type.
func (i *Index) Recent(ctx context.Context, eventType string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	query := i.db.WithContext(ctx).Order("sequence desc").Limit(limit)
	if t := strings.TrimSpace(eventType); t != "" {
		query = query.Where("type = ?", t)
	}
	var out []EventRecord
	if err := query.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (i *Index) Close() error {
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
