package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"yms/yard-service/internal/models"
)

// Domain event types written to the outbox and the per-ticket event log.
const (
	EventTicketCreated         = "ticket.created"
	EventTicketStatusChanged   = "ticket.status_changed"
	EventTicketPriorityChanged = "ticket.priority_changed"
	EventTicketTransferred     = "ticket.transferred"
	EventTicketPrinted         = "ticket.printed"
)

type CreateTicketInput struct {
	RequestID      string
	SiteID         string
	LicensePlate   string
	DriverName     string
	DriverPhone    string
	CompanyName    string
	SalesPerson    string
	OrderRef       string
	Categories     []string
	Priority       string
	PriorityReason string
	Notes          string
	NumberPrefix   string
	CreatedAt      time.Time
	Event          EventInput
}

// EventInput is a domain event to persist alongside a ticket write. The
// store stamps ids, timestamps and the hash chain.
type EventInput struct {
	Type    string
	Payload json.RawMessage
}

// TicketStore is dumb persistence: keyed reads, request-id idempotent
// creation with serialized number allocation, and compare-and-swap updates.
// All lifecycle rules live in the engine.
type TicketStore interface {
	// CreateTicket allocates a ticket number under input.NumberPrefix and
	// persists the ticket plus its creation event in one transaction. The
	// bool is false when the request id was already seen and the existing
	// ticket is returned instead.
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)

	GetTicket(ctx context.Context, siteID, ticketID string) (models.Ticket, error)

	// UpdateTicket writes the snapshot if the stored version still equals
	// ticket.Version, bumping the version and persisting the events in the
	// same transaction. Returns ErrConflict on a stale version.
	UpdateTicket(ctx context.Context, ticket models.Ticket, events []EventInput) (models.Ticket, error)

	// NextTicketNumber returns the next sequence for (prefix, date).
	// Concurrent callers never observe the same value.
	NextTicketNumber(ctx context.Context, prefix string, date time.Time) (int64, error)

	// ListActiveTickets returns the site's non-terminal tickets still on the
	// queue board, in arrival order.
	ListActiveTickets(ctx context.Context, siteID string) ([]models.Ticket, error)

	GetCategory(ctx context.Context, siteID, code string) (models.Category, error)
	ListCategories(ctx context.Context, siteID string) ([]models.Category, error)

	ListOutboxEvents(ctx context.Context, siteID string, after time.Time, limit int) ([]OutboxEvent, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	SiteID    string          `json:"site_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// FormatTicketNumber renders PREFIX-YYYYMMDD-SEQ with the sequence padded
// to three digits.
func FormatTicketNumber(prefix string, date time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%03d", prefix, date.UTC().Format("20060102"), seq)
}
