package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"yms/yard-service/internal/models"
	"yms/yard-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const ticketColumns = `
	ticket_id, ticket_number, site_id, request_id,
	license_plate, driver_name, driver_phone, company_name, sales_person, order_ref,
	categories, category_index,
	status, priority, priority_reason, call_zone, called_by, loaded_products, notes,
	weight_in, weight_out, net_weight, weight_in_manual, weight_out_manual,
	created_at, arrived_at, weighed_in_at, called_at, loading_started_at,
	loading_finished_at, weighed_out_at, completed_at, exited_at,
	printed_count, version`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var requestID sql.NullString
	err := row.Scan(
		&ticket.TicketID, &ticket.TicketNumber, &ticket.SiteID, &requestID,
		&ticket.LicensePlate, &ticket.DriverName, &ticket.DriverPhone, &ticket.CompanyName, &ticket.SalesPerson, &ticket.OrderRef,
		&ticket.Categories, &ticket.CategoryIndex,
		&ticket.Status, &ticket.Priority, &ticket.PriorityReason, &ticket.CallZone, &ticket.CalledBy, &ticket.LoadedProducts, &ticket.Notes,
		&ticket.WeightIn, &ticket.WeightOut, &ticket.NetWeight, &ticket.WeightInManual, &ticket.WeightOutManual,
		&ticket.CreatedAt, &ticket.ArrivedAt, &ticket.WeighedInAt, &ticket.CalledAt, &ticket.LoadingStartedAt,
		&ticket.LoadingFinishedAt, &ticket.WeighedOutAt, &ticket.CompletedAt, &ticket.ExitedAt,
		&ticket.PrintedCount, &ticket.Version,
	)
	if err != nil {
		return models.Ticket{}, err
	}
	if requestID.Valid {
		ticket.RequestID = requestID.String
	}
	return ticket, nil
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, err2 := findTicketByRequestID(ctx, tx, input.RequestID)
		if err2 != nil {
			err = err2
			return models.Ticket{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return existing, false, nil
		}
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	seq, err := nextSequence(ctx, tx, input.NumberPrefix, createdAt)
	if err != nil {
		return models.Ticket{}, false, err
	}
	number := store.FormatTicketNumber(input.NumberPrefix, createdAt, seq)
	ticketID := uuid.NewString()

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, ticket_number, site_id, request_id,
			license_plate, driver_name, driver_phone, company_name, sales_person, order_ref,
			categories, category_index, status, priority, priority_reason, notes,
			created_at, arrived_at, printed_count, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$13,$14,$15,$16,$16,0,1)
		RETURNING `+ticketColumns,
		ticketID, number, input.SiteID, nullIfEmpty(input.RequestID),
		input.LicensePlate, input.DriverName, input.DriverPhone, input.CompanyName, input.SalesPerson, input.OrderRef,
		input.Categories, models.StatusWaiting, input.Priority, input.PriorityReason, input.Notes,
		createdAt)

	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}

	if input.Event.Type != "" {
		if err = insertDomainEvent(ctx, tx, ticket.SiteID, ticket.TicketID, input.Event); err != nil {
			return models.Ticket{}, false, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, siteID, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1 AND site_id = $2
	`, ticketID, siteID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, events []store.EventInput) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets SET
			ticket_number = $3,
			license_plate = $4, driver_name = $5, driver_phone = $6, company_name = $7,
			sales_person = $8, order_ref = $9,
			categories = $10, category_index = $11,
			status = $12, priority = $13, priority_reason = $14, call_zone = $15,
			called_by = $16, loaded_products = $17, notes = $18,
			weight_in = $19, weight_out = $20, net_weight = $21,
			weight_in_manual = $22, weight_out_manual = $23,
			weighed_in_at = $24, called_at = $25, loading_started_at = $26,
			loading_finished_at = $27, weighed_out_at = $28, completed_at = $29,
			exited_at = $30, printed_count = $31,
			version = version + 1
		WHERE ticket_id = $1 AND version = $2
		RETURNING `+ticketColumns,
		ticket.TicketID, ticket.Version,
		ticket.TicketNumber,
		ticket.LicensePlate, ticket.DriverName, ticket.DriverPhone, ticket.CompanyName,
		ticket.SalesPerson, ticket.OrderRef,
		ticket.Categories, ticket.CategoryIndex,
		ticket.Status, ticket.Priority, ticket.PriorityReason, ticket.CallZone,
		ticket.CalledBy, ticket.LoadedProducts, ticket.Notes,
		ticket.WeightIn, ticket.WeightOut, ticket.NetWeight,
		ticket.WeightInManual, ticket.WeightOutManual,
		ticket.WeighedInAt, ticket.CalledAt, ticket.LoadingStartedAt,
		ticket.LoadingFinishedAt, ticket.WeighedOutAt, ticket.CompletedAt,
		ticket.ExitedAt, ticket.PrintedCount)

	updated, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			checkRow := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticket.TicketID)
			if err = checkRow.Scan(&exists); err != nil {
				return models.Ticket{}, err
			}
			if !exists {
				err = store.ErrTicketNotFound
				return models.Ticket{}, err
			}
			err = store.ErrConflict
			return models.Ticket{}, err
		}
		return models.Ticket{}, err
	}

	for _, event := range events {
		if err = insertDomainEvent(ctx, tx, updated.SiteID, updated.TicketID, event); err != nil {
			return models.Ticket{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

func (s *Store) NextTicketNumber(ctx context.Context, prefix string, date time.Time) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (prefix, seq_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, seq_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, prefix, date.UTC().Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) ListActiveTickets(ctx context.Context, siteID string) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE site_id = $1 AND status IN ('waiting','weighed_in','on_sale','called')
		ORDER BY arrived_at ASC, ticket_number ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func (s *Store) GetCategory(ctx context.Context, siteID, code string) (models.Category, error) {
	var category models.Category
	row := s.pool.QueryRow(ctx, `
		SELECT code, site_id, name, prefix, estimated_duration_minutes
		FROM categories
		WHERE site_id = $1 AND code = $2 AND active = TRUE
	`, siteID, code)
	if err := row.Scan(&category.Code, &category.SiteID, &category.Name, &category.Prefix, &category.EstimatedDurationMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Category{}, store.ErrCategoryNotFound
		}
		return models.Category{}, err
	}
	return category, nil
}

func (s *Store) ListCategories(ctx context.Context, siteID string) ([]models.Category, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT code, site_id, name, prefix, estimated_duration_minutes
		FROM categories
		WHERE site_id = $1 AND active = TRUE
		ORDER BY code ASC
	`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []models.Category
	for rows.Next() {
		var category models.Category
		if err := rows.Scan(&category.Code, &category.SiteID, &category.Name, &category.Prefix, &category.EstimatedDurationMinutes); err != nil {
			return nil, err
		}
		categories = append(categories, category)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return categories, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, siteID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, site_id, type, payload_json, created_at
		FROM outbox_events
		WHERE site_id = $1
	`
	args := []interface{}{siteID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.SiteID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// nextSequence is the in-transaction variant used during ticket creation so
// the allocated number commits or rolls back with the ticket row.
func nextSequence(ctx context.Context, tx pgx.Tx, prefix string, date time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (prefix, seq_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, seq_date)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, prefix, date.UTC().Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// insertDomainEvent writes the outbox row and appends to the hash-chained
// per-ticket log. The advisory lock serializes chain growth per ticket.
func insertDomainEvent(ctx context.Context, tx pgx.Tx, siteID, ticketID string, event store.EventInput) error {
	createdAt := time.Now().UTC()
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, site_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), siteID, event.Type, event.Payload, createdAt)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	hash := store.ComputeTicketEventHash(prev, ticketID, event.Type, event.Payload, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticketID, nextSeq, event.Type, event.Payload, createdAt, prev, hash)
	return err
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
