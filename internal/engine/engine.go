// Package engine owns the ticket lifecycle: transition validation, the
// per-status side effects, the multi-category loop, priority auditing and
// category transfer. It persists through a TicketStore and never applies a
// partial update; a failed validation leaves the stored ticket untouched.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"yms/yard-service/internal/models"
	"yms/yard-service/internal/store"
)

type Engine struct {
	store store.TicketStore
	now   func() time.Time
}

func New(st store.TicketStore) *Engine {
	return &Engine{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Actor is the pre-authorized identity performing a call. Authorization is
// decided upstream; the engine only records who acted.
type Actor struct {
	ID   string
	Name string
	Role string
}

type CreateInput struct {
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
}

// Fields is the optional bag of updates bundled with a transition. Empty
// strings and nil pointers mean "leave unchanged".
type Fields struct {
	WeightIn        *float64
	WeightInManual  bool
	WeightOut       *float64
	WeightOutManual bool
	Priority        string
	PriorityReason  string
	Zone            string
	Notes           string
	LoadedProducts  string
}

type TransitionInput struct {
	SiteID   string
	TicketID string
	// Status is the requested target; empty means field-only update.
	Status string
	Fields Fields
}

func (e *Engine) Create(ctx context.Context, actor Actor, input CreateInput) (models.Ticket, error) {
	input.LicensePlate = strings.TrimSpace(input.LicensePlate)
	if input.SiteID == "" {
		return models.Ticket{}, fmt.Errorf("%w: site_id is required", store.ErrValidation)
	}
	if input.LicensePlate == "" {
		return models.Ticket{}, fmt.Errorf("%w: license_plate is required", store.ErrValidation)
	}
	if len(input.Categories) == 0 {
		return models.Ticket{}, fmt.Errorf("%w: at least one category is required", store.ErrValidation)
	}
	if input.Priority == "" {
		input.Priority = models.PriorityNormal
	}
	if !models.ValidPriority(input.Priority) {
		return models.Ticket{}, fmt.Errorf("%w: unknown priority %q", store.ErrValidation, input.Priority)
	}
	if input.Priority == models.PriorityCritique && strings.TrimSpace(input.PriorityReason) == "" {
		return models.Ticket{}, fmt.Errorf("%w: priority_reason is required for critique priority", store.ErrValidation)
	}

	var first models.Category
	for i, code := range input.Categories {
		category, err := e.store.GetCategory(ctx, input.SiteID, code)
		if err != nil {
			return models.Ticket{}, fmt.Errorf("category %q: %w", code, err)
		}
		if i == 0 {
			first = category
		}
	}

	payload, err := json.Marshal(map[string]interface{}{
		"site_id":    input.SiteID,
		"plate":      input.LicensePlate,
		"categories": input.Categories,
		"priority":   input.Priority,
		"actor":      actor.ID,
	})
	if err != nil {
		return models.Ticket{}, err
	}

	ticket, _, err := e.store.CreateTicket(ctx, store.CreateTicketInput{
		RequestID:      input.RequestID,
		SiteID:         input.SiteID,
		LicensePlate:   input.LicensePlate,
		DriverName:     input.DriverName,
		DriverPhone:    input.DriverPhone,
		CompanyName:    input.CompanyName,
		SalesPerson:    input.SalesPerson,
		OrderRef:       input.OrderRef,
		Categories:     input.Categories,
		Priority:       input.Priority,
		PriorityReason: input.PriorityReason,
		Notes:          input.Notes,
		NumberPrefix:   first.Prefix,
		CreatedAt:      e.now(),
		Event:          store.EventInput{Type: store.EventTicketCreated, Payload: payload},
	})
	return ticket, err
}

// Transition applies a status change and/or field updates to one ticket as
// a single compare-and-swap write. Re-submitting a request that changes
// nothing is a no-op success; illegal edges always fail.
func (e *Engine) Transition(ctx context.Context, actor Actor, input TransitionInput) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, input.SiteID, input.TicketID)
	if err != nil {
		return models.Ticket{}, err
	}

	if input.Status != "" && !store.KnownStatus(input.Status) {
		return models.Ticket{}, fmt.Errorf("%w: unknown status %q", store.ErrValidation, input.Status)
	}

	statusChange := input.Status != "" && input.Status != ticket.Status
	if statusChange {
		if models.Terminal(ticket.Status) {
			return models.Ticket{}, fmt.Errorf("%w: ticket is %s", store.ErrAlreadyTerminal, ticket.Status)
		}
		if !store.ValidTransition(ticket.Status, input.Status) {
			return models.Ticket{}, fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, ticket.Status, input.Status)
		}
	}

	updated := ticket
	updated.Categories = append([]string(nil), ticket.Categories...)
	changed := false
	var events []store.EventInput

	priorityEvent, fieldChanged, err := applyFields(&updated, input.Fields, actor)
	if err != nil {
		return models.Ticket{}, err
	}
	if fieldChanged && models.Terminal(ticket.Status) && !statusChange {
		return models.Ticket{}, fmt.Errorf("%w: ticket is %s", store.ErrAlreadyTerminal, ticket.Status)
	}
	changed = changed || fieldChanged
	if priorityEvent != nil {
		events = append(events, *priorityEvent)
	}

	if statusChange {
		if err := e.applyStatus(&updated, ticket, input, actor); err != nil {
			return models.Ticket{}, err
		}
		changed = true
		payload, err := statusChangedPayload(updated, ticket.Status, actor)
		if err != nil {
			return models.Ticket{}, err
		}
		events = append(events, store.EventInput{Type: store.EventTicketStatusChanged, Payload: payload})
	}

	if !changed {
		return ticket, nil
	}
	return e.store.UpdateTicket(ctx, updated, events)
}

// applyStatus computes the side effects of entering the requested status.
func (e *Engine) applyStatus(updated *models.Ticket, current models.Ticket, input TransitionInput, actor Actor) error {
	now := e.now()
	switch input.Status {
	case models.StatusWeighedIn:
		weight, err := requireWeight(input.Fields.WeightIn, "weight_in")
		if err != nil {
			return err
		}
		updated.WeightIn = &weight
		updated.WeightInManual = input.Fields.WeightInManual
		updated.WeighedInAt = &now
	case models.StatusWeighedOut:
		weight, err := requireWeight(input.Fields.WeightOut, "weight_out")
		if err != nil {
			return err
		}
		if updated.WeightIn == nil {
			return fmt.Errorf("%w: weigh-out before weigh-in", store.ErrValidation)
		}
		if weight < *updated.WeightIn {
			return fmt.Errorf("%w: weight_out %.0f is below weight_in %.0f", store.ErrValidation, weight, *updated.WeightIn)
		}
		net := weight - *updated.WeightIn
		updated.WeightOut = &weight
		updated.WeightOutManual = input.Fields.WeightOutManual
		updated.NetWeight = &net
		updated.WeighedOutAt = &now
	case models.StatusCalled:
		updated.CalledAt = &now
		updated.CalledBy = actor.ID
		if input.Fields.Zone != "" {
			updated.CallZone = input.Fields.Zone
		}
	case models.StatusLoading:
		updated.LoadingStartedAt = &now
	case models.StatusLoadingDone:
		updated.LoadingFinishedAt = &now
	case models.StatusDone:
		updated.CompletedAt = &now
	case models.StatusWaiting:
		// Loop into the next category leg. Arrival and weigh-in are
		// site-level and survive; the called/loading marks belong to the
		// finished leg and must not leak into the next one.
		if current.CategoryIndex+1 >= len(current.Categories) {
			return fmt.Errorf("%w: category index %d is the last leg", store.ErrNoFurtherCategory, current.CategoryIndex)
		}
		updated.CategoryIndex = current.CategoryIndex + 1
		updated.CalledAt = nil
		updated.LoadingStartedAt = nil
		updated.LoadingFinishedAt = nil
	}
	updated.Status = input.Status
	return nil
}

// applyFields applies the non-status updates and returns a priority-changed
// event when the effective priority differs from the stored one.
func applyFields(updated *models.Ticket, fields Fields, actor Actor) (*store.EventInput, bool, error) {
	changed := false
	var priorityEvent *store.EventInput

	if fields.Priority != "" {
		if !models.ValidPriority(fields.Priority) {
			return nil, false, fmt.Errorf("%w: unknown priority %q", store.ErrValidation, fields.Priority)
		}
		if fields.Priority == models.PriorityCritique && strings.TrimSpace(fields.PriorityReason) == "" {
			return nil, false, fmt.Errorf("%w: priority_reason is required for critique priority", store.ErrValidation)
		}
		if fields.Priority != updated.Priority {
			payload, err := json.Marshal(map[string]interface{}{
				"ticket_id":     updated.TicketID,
				"ticket_number": updated.TicketNumber,
				"site_id":       updated.SiteID,
				"old":           updated.Priority,
				"new":           fields.Priority,
				"reason":        fields.PriorityReason,
				"actor":         actor.ID,
			})
			if err != nil {
				return nil, false, err
			}
			priorityEvent = &store.EventInput{Type: store.EventTicketPriorityChanged, Payload: payload}
			updated.Priority = fields.Priority
			changed = true
		}
		if fields.PriorityReason != "" && fields.PriorityReason != updated.PriorityReason {
			updated.PriorityReason = fields.PriorityReason
			changed = true
		}
	}
	if fields.Zone != "" && fields.Zone != updated.CallZone {
		updated.CallZone = fields.Zone
		changed = true
	}
	if fields.Notes != "" && fields.Notes != updated.Notes {
		updated.Notes = fields.Notes
		changed = true
	}
	if fields.LoadedProducts != "" && fields.LoadedProducts != updated.LoadedProducts {
		updated.LoadedProducts = fields.LoadedProducts
		changed = true
	}
	return priorityEvent, changed, nil
}

// Transfer re-issues a ticket into a different category queue: new number
// under the target prefix, lifecycle reset to waiting, downstream marks
// cleared. Arrival identity and weigh-in survive.
func (e *Engine) Transfer(ctx context.Context, actor Actor, siteID, ticketID, newCategory, reason string) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, siteID, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if models.Terminal(ticket.Status) {
		return models.Ticket{}, fmt.Errorf("%w: ticket is %s", store.ErrAlreadyTerminal, ticket.Status)
	}

	category, err := e.store.GetCategory(ctx, siteID, newCategory)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("category %q: %w", newCategory, err)
	}

	now := e.now()
	seq, err := e.store.NextTicketNumber(ctx, category.Prefix, now)
	if err != nil {
		return models.Ticket{}, err
	}
	newNumber := store.FormatTicketNumber(category.Prefix, now, seq)
	oldNumber := ticket.TicketNumber

	updated := ticket
	updated.TicketNumber = newNumber
	updated.Categories = []string{category.Code}
	updated.CategoryIndex = 0
	updated.Status = models.StatusWaiting
	updated.CallZone = ""
	updated.CalledBy = ""
	updated.CalledAt = nil
	updated.LoadingStartedAt = nil
	updated.LoadingFinishedAt = nil
	updated.WeighedOutAt = nil
	updated.WeightOut = nil
	updated.NetWeight = nil
	updated.WeightOutManual = false
	updated.CompletedAt = nil

	payload, err := json.Marshal(map[string]interface{}{
		"ticket_id":  ticket.TicketID,
		"site_id":    ticket.SiteID,
		"old_number": oldNumber,
		"new_number": newNumber,
		"category":   category.Code,
		"reason":     reason,
		"actor":      actor.ID,
	})
	if err != nil {
		return models.Ticket{}, err
	}

	return e.store.UpdateTicket(ctx, updated, []store.EventInput{
		{Type: store.EventTicketTransferred, Payload: payload},
	})
}

// RecordPrint counts a print or reprint of the physical ticket. Printing is
// allowed in any state; it never gates the lifecycle.
func (e *Engine) RecordPrint(ctx context.Context, actor Actor, siteID, ticketID string) (models.Ticket, error) {
	ticket, err := e.store.GetTicket(ctx, siteID, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}

	updated := ticket
	updated.PrintedCount = ticket.PrintedCount + 1

	payload, err := json.Marshal(map[string]interface{}{
		"ticket_id":     ticket.TicketID,
		"ticket_number": ticket.TicketNumber,
		"site_id":       ticket.SiteID,
		"printed_count": updated.PrintedCount,
		"actor":         actor.ID,
	})
	if err != nil {
		return models.Ticket{}, err
	}

	return e.store.UpdateTicket(ctx, updated, []store.EventInput{
		{Type: store.EventTicketPrinted, Payload: payload},
	})
}

func statusChangedPayload(ticket models.Ticket, oldStatus string, actor Actor) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"ticket_id":     ticket.TicketID,
		"ticket_number": ticket.TicketNumber,
		"site_id":       ticket.SiteID,
		"old":           oldStatus,
		"new":           ticket.Status,
		"category":      ticket.CurrentCategory(),
		"actor":         actor.ID,
	})
}

func requireWeight(value *float64, field string) (float64, error) {
	if value == nil {
		return 0, fmt.Errorf("%w: %s is required", store.ErrValidation, field)
	}
	if *value <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", store.ErrValidation, field)
	}
	return *value, nil
}
