// Package repository provides persistence interfaces and their GORM
// implementations. Every query is scoped by tenant id first.
package repository

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/tidemark-io/tidemark/internal/entities"
)

// Sentinel errors returned by repositories.
var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrRuleNotFound      = errors.New("rule not found")
	ErrAlertNotFound     = errors.New("alert not found")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrRotationNotFound  = errors.New("rotation not found")
	ErrDuplicateEntry    = errors.New("duplicate entry")
)

// Open connects to the store selected by the DSN. A "file:" prefix or a
// plain path selects sqlite; anything else is treated as a mysql DSN.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") || dsn == ":memory:" {
		return gorm.Open(sqlite.Open(dsn), cfg)
	}
	return gorm.Open(mysql.Open(dsn), cfg)
}

// Migrate creates or updates the full schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entities.Tenant{},
		&entities.Device{},
		&entities.DeviceKey{},
		&entities.Reading{},
		&entities.RuleDefinition{},
		&entities.AlertInstance{},
		&entities.AlertTransition{},
		&entities.SLABreach{},
		&entities.EscalationPolicy{},
		&entities.EscalationStep{},
		&entities.EscalationCheckpoint{},
		&entities.OnCallRotation{},
		&entities.OnCallShift{},
		&entities.OnCallOverride{},
		&entities.NotificationAttempt{},
		&entities.RetentionPolicy{},
		&entities.RetentionRun{},
		&entities.AuditRecord{},
		&entities.DeadLetter{},
		&entities.EngineCheckpoint{},
		&entities.QuotaUsage{},
	)
}

// Page controls cursor pagination for list queries. Cursor is the opaque
// value returned by a previous page; Limit caps the page size.
type Page struct {
	Limit  int
	Cursor string
}

const defaultPageLimit = 50
const maxPageLimit = 500

// limit clamps the requested page size.
func (p Page) limit() int {
	switch {
	case p.Limit <= 0:
		return defaultPageLimit
	case p.Limit > maxPageLimit:
		return maxPageLimit
	default:
		return p.Limit
	}
}

// afterID decodes the cursor into the last-seen row id.
func (p Page) afterID() (string, error) {
	if p.Cursor == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(p.Cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor: %w", err)
	}
	return string(raw), nil
}

// EncodeCursor builds the opaque cursor for the given last row id.
func EncodeCursor(lastID string) string {
	if lastID == "" {
		return ""
	}
	return base64.URLEncoding.EncodeToString([]byte(lastID))
}
