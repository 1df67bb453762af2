package gormstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account mirrors the accounts table shared with the identity provider.
type Account struct {
	AccountID        string    `gorm:"primaryKey"`
	Username         string    `gorm:"not null"`
	BalanceCents     int64     `gorm:"not null;default:0;check:balance_cents >= 0"`
	MembershipActive bool      `gorm:"not null;default:false"`
	Deactivated      bool      `gorm:"not null;default:false"`
	CreatedAt        time.Time `gorm:"not null"`
	UpdatedAt        time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// AnonymousMapping mirrors the anonymous_mappings table.
type AnonymousMapping struct {
	AnonymousID string    `gorm:"primaryKey"`
	AccountID   string    `gorm:"not null;index:idx_mappings_account_active,priority:1"`
	Active      bool      `gorm:"not null;default:true;index:idx_mappings_account_active,priority:2"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (AnonymousMapping) TableName() string { return "anonymous_mappings" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	ID                   uint64    `gorm:"primaryKey;autoIncrement"`
	AccountID            string    `gorm:"not null;index:idx_credit_account_created,priority:1"`
	AmountCents          int64     `gorm:"not null"`
	Source               string    `gorm:"not null"`
	ProductID            string    `gorm:"not null"`
	RelatedTransactionID string    `gorm:"not null;uniqueIndex:uniq_credit_related_transaction"`
	CreatedAt            time.Time `gorm:"not null;index:idx_credit_account_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// WebhookEvent mirrors the webhook_events audit table.
type WebhookEvent struct {
	EventID       string         `gorm:"primaryKey"`
	TransactionID string         `gorm:"index"`
	EventType     string         `gorm:"not null"`
	ProductID     string         `gorm:"not null;default:''"`
	SubjectID     string         `gorm:"not null;default:''"`
	Outcome       string         `gorm:"not null;index:idx_webhook_outcome_created,priority:1"`
	AccountID     string         `gorm:"not null;default:''"`
	Detail        string         `gorm:"type:text;not null;default:''"`
	Payload       datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_webhook_outcome_created,priority:2"`
	UpdatedAt     time.Time      `gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{&Account{}, &AnonymousMapping{}, &CreditTransaction{}, &WebhookEvent{}}
}

// At most one mapping per account may be active. Struct tags cannot express a
// partial index, so it is created after AutoMigrate.
const sqlUniqueActiveMapping = `create unique index if not exists uniq_mappings_account_active
	on anonymous_mappings(account_id) where active`

// Migrate creates or updates the schema on PostgreSQL and SQLite alike.
func Migrate(ctx context.Context, db *gorm.DB) error {
	session := db.WithContext(ctx)
	if err := session.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := session.Exec(sqlUniqueActiveMapping).Error; err != nil {
		return fmt.Errorf("mapping index: %w", err)
	}
	return nil
}
