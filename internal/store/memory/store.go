// Package memory holds an in-process TicketStore used by tests and by
// single-node deployments that run without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"yms/yard-service/internal/models"
	"yms/yard-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu         sync.Mutex
	tickets    map[string]models.Ticket
	byRequest  map[string]string
	sequences  map[string]int64
	categories map[string]models.Category
	outbox     []store.OutboxEvent
	events     map[string][]store.TicketEvent
}

func NewStore() *Store {
	return &Store{
		tickets:    make(map[string]models.Ticket),
		byRequest:  make(map[string]string),
		sequences:  make(map[string]int64),
		categories: make(map[string]models.Category),
		events:     make(map[string][]store.TicketEvent),
	}
}

// SeedCategories registers the category directory. Lookups are keyed by
// (site, code).
func (s *Store) SeedCategories(categories ...models.Category) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, category := range categories {
		s.categories[categoryKey(category.SiteID, category.Code)] = category
	}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if ticketID, ok := s.byRequest[input.RequestID]; ok {
			return cloneTicket(s.tickets[ticketID]), false, nil
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	seq := s.nextSequenceLocked(input.NumberPrefix, createdAt)

	ticket := models.Ticket{
		TicketID:       uuid.NewString(),
		TicketNumber:   store.FormatTicketNumber(input.NumberPrefix, createdAt, seq),
		SiteID:         input.SiteID,
		RequestID:      input.RequestID,
		LicensePlate:   input.LicensePlate,
		DriverName:     input.DriverName,
		DriverPhone:    input.DriverPhone,
		CompanyName:    input.CompanyName,
		SalesPerson:    input.SalesPerson,
		OrderRef:       input.OrderRef,
		Categories:     append([]string(nil), input.Categories...),
		Status:         models.StatusWaiting,
		Priority:       input.Priority,
		PriorityReason: input.PriorityReason,
		Notes:          input.Notes,
		CreatedAt:      createdAt,
		ArrivedAt:      createdAt,
		Version:        1,
	}

	s.tickets[ticket.TicketID] = cloneTicket(ticket)
	if input.RequestID != "" {
		s.byRequest[input.RequestID] = ticket.TicketID
	}
	if input.Event.Type != "" {
		s.appendEventLocked(ticket.SiteID, ticket.TicketID, input.Event)
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, siteID, ticketID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[ticketID]
	if !ok || ticket.SiteID != siteID {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return cloneTicket(ticket), nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, events []store.EventInput) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tickets[ticket.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if current.Version != ticket.Version {
		return models.Ticket{}, store.ErrConflict
	}

	updated := cloneTicket(ticket)
	updated.Version = ticket.Version + 1
	s.tickets[ticket.TicketID] = cloneTicket(updated)

	for _, event := range events {
		s.appendEventLocked(updated.SiteID, updated.TicketID, event)
	}
	return updated, nil
}

func (s *Store) NextTicketNumber(ctx context.Context, prefix string, date time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSequenceLocked(prefix, date), nil
}

func (s *Store) ListActiveTickets(ctx context.Context, siteID string) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tickets []models.Ticket
	for _, ticket := range s.tickets {
		if ticket.SiteID != siteID || !activeStatus(ticket.Status) {
			continue
		}
		tickets = append(tickets, cloneTicket(ticket))
	}
	sort.Slice(tickets, func(i, j int) bool {
		if !tickets[i].ArrivedAt.Equal(tickets[j].ArrivedAt) {
			return tickets[i].ArrivedAt.Before(tickets[j].ArrivedAt)
		}
		return tickets[i].TicketNumber < tickets[j].TicketNumber
	})
	return tickets, nil
}

func (s *Store) GetCategory(ctx context.Context, siteID, code string) (models.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	category, ok := s.categories[categoryKey(siteID, code)]
	if !ok {
		return models.Category{}, store.ErrCategoryNotFound
	}
	return category, nil
}

func (s *Store) ListCategories(ctx context.Context, siteID string) ([]models.Category, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var categories []models.Category
	for _, category := range s.categories {
		if category.SiteID == siteID {
			categories = append(categories, category)
		}
	}
	sort.Slice(categories, func(i, j int) bool {
		return categories[i].Code < categories[j].Code
	})
	return categories, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, siteID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if event.SiteID != siteID {
			continue
		}
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.TicketEvent(nil), s.events[ticketID]...), nil
}

func (s *Store) nextSequenceLocked(prefix string, date time.Time) int64 {
	key := fmt.Sprintf("%s|%s", prefix, date.UTC().Format("20060102"))
	s.sequences[key]++
	return s.sequences[key]
}

func (s *Store) appendEventLocked(siteID, ticketID string, event store.EventInput) {
	createdAt := time.Now().UTC()
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		SiteID:    siteID,
		Type:      event.Type,
		Payload:   event.Payload,
		CreatedAt: createdAt,
	})

	chain := s.events[ticketID]
	prev := ""
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	seq := len(chain) + 1
	s.events[ticketID] = append(chain, store.TicketEvent{
		TicketID:  ticketID,
		TicketSeq: seq,
		Type:      event.Type,
		Payload:   event.Payload,
		CreatedAt: createdAt,
		PrevHash:  prev,
		Hash:      store.ComputeTicketEventHash(prev, ticketID, event.Type, event.Payload, createdAt, seq),
	})
}

func activeStatus(status string) bool {
	switch status {
	case models.StatusWaiting, models.StatusWeighedIn, models.StatusOnSale, models.StatusCalled:
		return true
	}
	return false
}

func cloneTicket(ticket models.Ticket) models.Ticket {
	clone := ticket
	clone.Categories = append([]string(nil), ticket.Categories...)
	clone.WeightIn = clonePtr(ticket.WeightIn)
	clone.WeightOut = clonePtr(ticket.WeightOut)
	clone.NetWeight = clonePtr(ticket.NetWeight)
	clone.WeighedInAt = clonePtr(ticket.WeighedInAt)
	clone.CalledAt = clonePtr(ticket.CalledAt)
	clone.LoadingStartedAt = clonePtr(ticket.LoadingStartedAt)
	clone.LoadingFinishedAt = clonePtr(ticket.LoadingFinishedAt)
	clone.WeighedOutAt = clonePtr(ticket.WeighedOutAt)
	clone.CompletedAt = clonePtr(ticket.CompletedAt)
	clone.ExitedAt = clonePtr(ticket.ExitedAt)
	return clone
}

func clonePtr[T any](value *T) *T {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func categoryKey(siteID, code string) string {
	return siteID + "|" + code
}
