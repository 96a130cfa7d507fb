package audit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gasrelay/core/events"
	"gasrelay/core/types"
)

// ExecutionRecord is the durable audit row for a finalized request. Amounts
// are decimal base-unit strings so the schema stays portable across SQL
// dialects.
type ExecutionRecord struct {
	ID          uint      `gorm:"primaryKey"`
	EventID     string    `gorm:"type:varchar(64);not null"`
	RequestID   uint64    `gorm:"uniqueIndex;not null"`
	Requester   string    `gorm:"type:varchar(42);index;not null"`
	Network     uint64    `gorm:"index;not null"`
	Target      string    `gorm:"type:varchar(42)"`
	Asset       string    `gorm:"type:varchar(42)"`
	Status      string    `gorm:"type:varchar(16);index;not null"`
	Reason      string    `gorm:"type:text"`
	GasUsed     uint64    `gorm:"not null"`
	GasCost     string    `gorm:"type:varchar(80)"`
	PlatformFee string    `gorm:"type:varchar(80)"`
	ProviderFee string    `gorm:"type:varchar(80)"`
	Refund      string    `gorm:"type:varchar(80)"`
	DurationMs  int64     `gorm:"not null"`
	FinalizedAt time.Time `gorm:"index;not null"`
	CreatedAt   time.Time
}

// Open connects to the audit database. DSNs starting with postgres:// or
// postgresql:// use Postgres; anything else is treated as a SQLite path.
func Open(dsn string) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("audit: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// AutoMigrate performs the audit schema migrations.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// recordFromEvent converts a rendered finalization event. ok is false for
// any other event type.
func recordFromEvent(ev *types.Event) (ExecutionRecord, bool, error) {
	if ev == nil {
		return ExecutionRecord{}, false, nil
	}
	if ev.Type != events.TypeRequestExecuted && ev.Type != events.TypeRequestFailed {
		return ExecutionRecord{}, false, nil
	}
	attrs := ev.Attributes
	requestID, err := parseUint(attrs, "requestId")
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	network, err := parseUint(attrs, "network")
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	gasUsed, err := parseUint(attrs, "gasUsed")
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	duration, err := parseUint(attrs, "durationMs")
	if err != nil {
		return ExecutionRecord{}, false, err
	}
	return ExecutionRecord{
		EventID:     ev.ID,
		RequestID:   requestID,
		Requester:   attrs["requester"],
		Network:     network,
		Target:      attrs["target"],
		Asset:       attrs["asset"],
		Status:      attrs["status"],
		Reason:      attrs["reason"],
		GasUsed:     gasUsed,
		GasCost:     attrs["gasCost"],
		PlatformFee: attrs["platformFee"],
		ProviderFee: attrs["providerFee"],
		Refund:      attrs["refund"],
		DurationMs:  int64(duration),
		FinalizedAt: ev.Timestamp.UTC(),
	}, true, nil
}

func parseUint(attrs map[string]string, key string) (uint64, error) {
	raw, ok := attrs[key]
	if !ok {
		return 0, fmt.Errorf("audit: event missing %s", key)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("audit: parse %s: %w", key, err)
	}
	return v, nil
}
