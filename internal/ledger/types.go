// Package ledger holds the working set of expense entries and the report
// metadata, backed by SQLite for persistence across restarts.
package ledger

import (
	"strings"
	"time"
)

// Expense categories. Recognition output is folded into this closed set;
// anything unrecognized lands in CategoryMiscellaneous.
const (
	CategoryTransportation = "transportation"
	CategoryMeals          = "meals"
	CategoryLodging        = "lodging"
	CategorySupplies       = "supplies"
	CategoryCommunication  = "communication"
	CategoryRepresentation = "representation"
	CategoryMiscellaneous  = "miscellaneous"
)

// Categories lists every valid category in display order.
var Categories = []string{
	CategoryTransportation,
	CategoryMeals,
	CategoryLodging,
	CategorySupplies,
	CategoryCommunication,
	CategoryRepresentation,
	CategoryMiscellaneous,
}

// ParseCategory normalizes free-form category text into the closed set.
func ParseCategory(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Categories {
		if s == c {
			return c
		}
	}
	return CategoryMiscellaneous
}

// Entry is one expense line in the ledger.
type Entry struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	Title         string    `json:"title"`
	Date          string    `json:"date"` // YYYY-MM-DD
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Category      string    `json:"category"`
	IssuerAddress string    `json:"issuer_address"`
	Notes         string    `json:"notes"`
	ReceiptRef    string    `json:"receipt_ref"`
	Verified      bool      `json:"verified"`
	Position      int       `gorm:"index" json:"position"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Metadata is the report-level header state. Exactly one row exists.
type Metadata struct {
	ID             int     `gorm:"primaryKey" json:"-"`
	ApproverName   string  `json:"approver_name"`
	Purpose        string  `json:"purpose"`
	Claimant       string  `json:"claimant"`
	PeriodLabel    string  `json:"period_label"`
	StartDate      string  `json:"start_date"`
	EndDate        string  `json:"end_date"`
	ReceivedAmount float64 `json:"received_amount"`
	SignatureRef   string  `json:"signature_ref"`
}

// DefaultMetadata returns the blank header used after a full reset.
func DefaultMetadata() Metadata {
	return Metadata{ID: 1}
}
