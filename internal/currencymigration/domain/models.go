package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
)

type OwnerKind string

const (
	OwnerUser         OwnerKind = "user"
	OwnerOrganization OwnerKind = "organization"
)

// Owner is the user or organization whose records are re-denominated.
type Owner struct {
	Kind OwnerKind
	ID   snowflake.ID
}

func UserOwner(id snowflake.ID) Owner { return Owner{Kind: OwnerUser, ID: id} }

func OrganizationOwner(id snowflake.ID) Owner { return Owner{Kind: OwnerOrganization, ID: id} }

// User is the owner of monetary records and carries the preferred currency.
type User struct {
	ID                snowflake.ID            `json:"id" gorm:"primaryKey"`
	OrgID             snowflake.ID            `json:"organization_id" gorm:"column:org_id;not null;index"`
	Email             string                  `json:"email" gorm:"type:varchar(255)"`
	PreferredCurrency ratedomain.CurrencyCode `json:"preferred_currency" gorm:"type:varchar(3);not null"`
	CreatedAt         time.Time               `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time               `json:"updated_at" gorm:"not null"`
}

func (User) TableName() string { return "users" }

// MonetaryRecord is an amount owned by a user. The original amount and
// currency are captured by the first migration and never rewritten.
type MonetaryRecord struct {
	ID               snowflake.ID             `json:"id" gorm:"primaryKey"`
	OrgID            snowflake.ID             `json:"organization_id" gorm:"column:org_id;not null;index"`
	UserID           snowflake.ID             `json:"user_id" gorm:"not null;index"`
	RecordType       string                   `json:"record_type" gorm:"type:varchar(32);not null"`
	RecordRef        string                   `json:"record_ref" gorm:"type:varchar(128)"`
	Amount           decimal.Decimal          `json:"amount" gorm:"type:numeric(24,6);not null"`
	Currency         ratedomain.CurrencyCode  `json:"currency" gorm:"type:varchar(3);not null"`
	DisplayCurrency  ratedomain.CurrencyCode  `json:"display_currency" gorm:"type:varchar(3);not null"`
	OriginalAmount   decimal.NullDecimal      `json:"original_amount" gorm:"type:numeric(24,6)"`
	OriginalCurrency *ratedomain.CurrencyCode `json:"original_currency,omitempty" gorm:"type:varchar(3)"`
	CreatedAt        time.Time                `json:"created_at" gorm:"not null"`
	UpdatedAt        time.Time                `json:"updated_at" gorm:"not null"`
}

func (MonetaryRecord) TableName() string { return "monetary_records" }

// HasOriginal reports whether a previous migration captured the baseline.
func (r MonetaryRecord) HasOriginal() bool {
	return r.OriginalAmount.Valid && r.OriginalCurrency != nil && *r.OriginalCurrency != ""
}

type Result struct {
	Converted int `json:"converted"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Add folds another batch result into r.
func (r *Result) Add(other Result) {
	r.Converted += other.Converted
	r.Failed += other.Failed
	r.Total += other.Total
}

type Preview struct {
	RecordsToConvert int64 `json:"records_to_convert"`
}
