// Package events provides read access to the ticketed events that
// payments are made for. Events are owned by the catalog; this package
// only looks them up.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("event not found")

// Status represents the publication state of an event.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Event is a ticketed event.
type Event struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Status      Status          `json:"status"`
	TicketPrice decimal.Decimal `json:"ticketPrice"`
	Currency    string          `json:"currency"`
	OrganizerID string          `json:"organizerId"`
	StartDate   time.Time       `json:"startDate"`
}

// Purchasable reports whether tickets can be bought for the event.
func (e *Event) Purchasable() bool {
	return e.Status == StatusPublished
}

// Lookup finds events by id.
type Lookup interface {
	GetEvent(ctx context.Context, id string) (*Event, error)
}
