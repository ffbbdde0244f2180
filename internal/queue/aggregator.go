// Package queue renders the per-category board shown to operators and on
// yard displays. It is a derived projection over the ticket store, never a
// source of truth.
package queue

import (
	"context"
	"sort"
	"time"

	"yms/yard-service/internal/models"
	"yms/yard-service/internal/store"
)

type Aggregator struct {
	store store.TicketStore
}

func NewAggregator(st store.TicketStore) *Aggregator {
	return &Aggregator{store: st}
}

// TicketSummary is the board row for one truck.
type TicketSummary struct {
	TicketID             string     `json:"ticket_id"`
	TicketNumber         string     `json:"ticket_number"`
	LicensePlate         string     `json:"license_plate"`
	CompanyName          string     `json:"company_name,omitempty"`
	Status               string     `json:"status"`
	Priority             string     `json:"priority"`
	CallZone             string     `json:"call_zone,omitempty"`
	ArrivedAt            time.Time  `json:"arrived_at"`
	CalledAt             *time.Time `json:"called_at,omitempty"`
	Position             int        `json:"position"`
	EstimatedWaitMinutes int        `json:"estimated_wait_minutes"`
}

type CategoryQueue struct {
	Category models.Category `json:"category"`
	Tickets  []TicketSummary `json:"tickets"`
	Count    int             `json:"count"`
}

// View groups the site's active tickets by their current category, orders
// each group by priority then arrival, and assigns positions and wait
// estimates. Tickets with no resolvable category land in the fallback group.
func (a *Aggregator) View(ctx context.Context, siteID string) (map[string]CategoryQueue, error) {
	tickets, err := a.store.ListActiveTickets(ctx, siteID)
	if err != nil {
		return nil, err
	}
	categories, err := a.store.ListCategories(ctx, siteID)
	if err != nil {
		return nil, err
	}

	byCode := make(map[string]models.Category, len(categories))
	for _, category := range categories {
		byCode[category.Code] = category
	}

	grouped := make(map[string][]models.Ticket)
	for _, ticket := range tickets {
		code := ticket.CurrentCategory()
		grouped[code] = append(grouped[code], ticket)
	}

	view := make(map[string]CategoryQueue, len(grouped))
	for code, group := range grouped {
		sort.SliceStable(group, func(i, j int) bool {
			ri, rj := models.PriorityRank(group[i].Priority), models.PriorityRank(group[j].Priority)
			if ri != rj {
				return ri < rj
			}
			if !group[i].ArrivedAt.Equal(group[j].ArrivedAt) {
				return group[i].ArrivedAt.Before(group[j].ArrivedAt)
			}
			return group[i].TicketNumber < group[j].TicketNumber
		})

		category, ok := byCode[code]
		if !ok {
			category = models.Category{Code: code, SiteID: siteID}
		}

		summaries := make([]TicketSummary, 0, len(group))
		for i, ticket := range group {
			summaries = append(summaries, TicketSummary{
				TicketID:             ticket.TicketID,
				TicketNumber:         ticket.TicketNumber,
				LicensePlate:         ticket.LicensePlate,
				CompanyName:          ticket.CompanyName,
				Status:               ticket.Status,
				Priority:             ticket.Priority,
				CallZone:             ticket.CallZone,
				ArrivedAt:            ticket.ArrivedAt,
				CalledAt:             ticket.CalledAt,
				Position:             i + 1,
				EstimatedWaitMinutes: i * category.EstimatedDurationMinutes,
			})
		}
		view[code] = CategoryQueue{
			Category: category,
			Tickets:  summaries,
			Count:    len(summaries),
		}
	}
	return view, nil
}
