// Package audit keeps a local journal of authentication events in SQLite.
// The journal backs the account activity view and is advisory: recording
// failures are logged, never propagated, so auditing can never block a login.
package audit

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event kinds recorded by the subsystem.
const (
	KindLoginCompleted   = "login_completed"
	KindLoginFailed      = "login_failed"
	KindTwoFactorPassed  = "2fa_passed"
	KindTwoFactorFailed  = "2fa_failed"
	KindRecoveryUsed     = "recovery_code_used"
	KindTwoFactorSetup   = "2fa_enrolled"
	KindTwoFactorRemoved = "2fa_disabled"
	KindLogout           = "logout"
	KindVaultReset       = "vault_reset"
)

// Event is one journal row.
type Event struct {
	ID        string `gorm:"primaryKey" json:"id"`
	Timestamp int64  `gorm:"index" json:"timestamp"`
	Kind      string `gorm:"index" json:"kind"`
	Provider  string `json:"provider,omitempty"`
	Username  string `gorm:"index" json:"username,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Journal wraps the SQLite store. A nil *Journal is valid and drops every
// record, which keeps callers free of nil checks when auditing is disabled.
type Journal struct {
	db  *gorm.DB
	now func() time.Time
}

// Open creates or opens the journal database and runs migrations.
func Open(dbPath string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit journal: %w", err)
	}
	if err := db.AutoMigrate(&Event{}); err != nil {
		return nil, fmt.Errorf("migrate audit journal: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Record appends one event. Best effort; the returned error is informational
// and callers typically ignore it.
func (j *Journal) Record(kind, provider, username, detail string) error {
	if j == nil {
		return nil
	}
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: j.now().Unix(),
		Kind:      kind,
		Provider:  provider,
		Username:  username,
		Detail:    detail,
	}
	if err := j.db.Create(&ev).Error; err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := j.db.Order("timestamp desc, id desc").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	return events, nil
}

// PruneOlderThan deletes events past the retention window and returns how
// many rows were removed.
func (j *Journal) PruneOlderThan(retention time.Duration) (int64, error) {
	if j == nil {
		return 0, nil
	}
	cutoff := j.now().Add(-retention).Unix()
	res := j.db.Where("timestamp < ?", cutoff).Delete(&Event{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune audit events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
