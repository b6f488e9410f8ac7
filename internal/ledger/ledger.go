// Package ledger is the spreadsheet record of subscribers: one row per
// Discord display name with seven ordered columns.
package ledger

import (
	"errors"
	"time"
)

// ErrStoreUnavailable wraps every failed remote call to the ledger.
var ErrStoreUnavailable = errors.New("ledger store unavailable")

// Column is a 1-based ledger column index.
type Column int

const (
	ColumnName Column = iota + 1
	ColumnEmail
	ColumnDisplayName
	ColumnJoinDate
	ColumnNextBillingDate
	ColumnPlan
	ColumnStatus

	columnCount = int(ColumnStatus)
)

// Letter returns the A1 column letter.
func (c Column) Letter() string {
	return string(rune('A' + int(c) - 1))
}

// Status values written to ColumnStatus.
type Status string

const (
	StatusActive        Status = "Active"
	StatusCancelled     Status = "Cancelled"
	StatusPaymentFailed Status = "Payment Failed"
)

// DateLayout is the format of the join and next billing date columns.
const DateLayout = "2006-01-02"

// RowRef points at a 1-based sheet row.
type RowRef struct {
	Row int
}

// Row is a full ledger row.
type Row struct {
	Name            string
	Email           string
	DisplayName     string
	JoinDate        time.Time
	NextBillingDate time.Time
	Plan            string
	Status          Status
}

// Values returns the row in column order.
func (r Row) Values() []string {
	return []string{
		r.Name,
		r.Email,
		r.DisplayName,
		formatDate(r.JoinDate),
		formatDate(r.NextBillingDate),
		r.Plan,
		string(r.Status),
	}
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}
