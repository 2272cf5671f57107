package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"counterflow/queue-service/internal/models"
	"counterflow/queue-service/internal/serviceday"
	"counterflow/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultServingDisplayCap = 8

type Store struct {
	pool              *pgxpool.Pool
	days              serviceday.Calculator
	servingDisplayCap int
}

type Options struct {
	Days              serviceday.Calculator
	ServingDisplayCap int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	displayCap := options.ServingDisplayCap
	if displayCap <= 0 {
		displayCap = defaultServingDisplayCap
	}
	return &Store{
		pool:              pool,
		days:              options.Days,
		servingDisplayCap: displayCap,
	}
}

const ticketColumns = `id, number, display_number, transaction_type_id, is_priority, step, status,
	teller_id, service_day, created_at, started_at, finished_at,
	teller_id_step1, started_at_step1, finished_at_step1`

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

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		return existing, false, nil
	}

	if _, err = transactionTypeByID(ctx, tx, input.TransactionTypeID); err != nil {
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	day := s.days.Day(createdAt)

	number, err := nextSequence(ctx, tx, day, input.IsPriority)
	if err != nil {
		return models.Ticket{}, false, err
	}

	var ticket models.Ticket
	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			request_id, number, display_number, transaction_type_id, is_priority,
			step, status, service_day, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+ticketColumns,
		input.RequestID, number, models.FormatDisplayNumber(number, input.IsPriority),
		input.TransactionTypeID, input.IsPriority, models.StepOne, models.StatusWaiting, day, createdAt)
	if ticket, err = scanTicket(row); err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActivity(ctx, tx, ticket.ID, activityInput{
		Action:    store.ActionCreate,
		Actor:     store.ActorSystem,
		NewStatus: models.StatusWaiting,
		At:        createdAt,
		Properties: map[string]interface{}{
			"display_number":      ticket.DisplayNumber,
			"transaction_type_id": ticket.TransactionTypeID,
			"is_priority":         ticket.IsPriority,
		},
	}); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID int64) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// NextTicket implements finish-then-next semantics: if the teller is
// already serving a ticket at this step it is returned unchanged, so a
// client that crashed mid-service resumes instead of double-claiming.
// Otherwise the oldest eligible waiting ticket (priority class first,
// then ascending id) is claimed; the pick and the claim are one
// statement so concurrent tellers can never take the same row.
func (s *Store) NextTicket(ctx context.Context, input store.GrabInput) (models.Ticket, bool, error) {
	if !models.ValidStep(input.Step) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, store.ActionGrab, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrNoTicket
		}
		return existing, false, nil
	}

	// Serializes grabs per (teller, step) so the active-ticket check
	// below cannot race a concurrent grab by the same teller; distinct
	// tellers proceed in parallel. The (int4, int4) lock keyspace is
	// disjoint from the per-ticket int8 locks in insertActivity.
	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text), $2::int)`, input.TellerID, input.Step); err != nil {
		return models.Ticket{}, false, err
	}

	teller, err := tellerByID(ctx, tx, input.TellerID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !teller.ServesStep(input.Step) {
		return models.Ticket{}, false, store.ErrStepNotAllowed
	}
	if input.Filters.TransactionTypeID != "" {
		allowed, err := tellerAllowsTransactionType(ctx, tx, input.TellerID, input.Filters.TransactionTypeID)
		if err != nil {
			return models.Ticket{}, false, err
		}
		if !allowed {
			return models.Ticket{}, false, store.ErrStepNotAllowed
		}
	}

	current, found, err := activeTicketTx(ctx, tx, input.TellerID, input.Step)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = insertActionRequest(ctx, tx, store.ActionGrab, input.RequestID, input.TellerID, current.ID); err != nil {
			return models.Ticket{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		current.RequestID = input.RequestID
		return current, false, nil
	}

	grabbedAt := input.GrabbedAt
	if grabbedAt.IsZero() {
		grabbedAt = time.Now().UTC()
	}

	ticket, err := claimNextTicket(ctx, tx, input, s.days.Day(grabbedAt), grabbedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent claimer may have taken the candidate between
		// the scan and the update; one re-pick before giving up.
		ticket, err = claimNextTicket(ctx, tx, input, s.days.Day(grabbedAt), grabbedAt)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if err = insertActionRequest(ctx, tx, store.ActionGrab, input.RequestID, input.TellerID, 0); err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, store.ErrNoTicket
		}
		// The partial unique index on serving (teller_id, step) is the
		// backstop behind the advisory lock above.
		if isUniqueViolation(err) {
			return models.Ticket{}, false, store.ErrAlreadyClaimed
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, store.ActionGrab, input.RequestID, input.TellerID, ticket.ID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertActivity(ctx, tx, ticket.ID, activityInput{
		Action:    store.ActionGrab,
		Actor:     input.TellerID,
		OldStatus: models.StatusWaiting,
		NewStatus: models.StatusServing,
		At:        grabbedAt,
		Properties: map[string]interface{}{
			"teller_id": input.TellerID,
			"step":      input.Step,
		},
	}); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func claimNextTicket(ctx context.Context, tx pgx.Tx, input store.GrabInput, day time.Time, grabbedAt time.Time) (models.Ticket, error) {
	filter := ""
	args := []interface{}{input.Step, day, input.TellerID, grabbedAt}
	argPos := 5
	if input.Filters.TransactionTypeID != "" {
		filter += fmt.Sprintf(" AND t.transaction_type_id = $%d", argPos)
		args = append(args, input.Filters.TransactionTypeID)
		argPos++
	}
	if input.Filters.IsPriority != nil {
		filter += fmt.Sprintf(" AND t.is_priority = $%d", argPos)
		args = append(args, *input.Filters.IsPriority)
		argPos++
	}

	query := `
		WITH next_ticket AS (
			SELECT t.id
			FROM tickets t
			WHERE t.status = 'waiting' AND t.step = $1 AND t.service_day = $2
				AND (
					NOT EXISTS (SELECT 1 FROM teller_transaction_types x WHERE x.teller_id = $3)
					OR EXISTS (
						SELECT 1 FROM teller_transaction_types x
						WHERE x.teller_id = $3 AND x.transaction_type_id = t.transaction_type_id
					)
				)` + filter + `
			ORDER BY t.is_priority DESC, t.id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = $` + fmt.Sprint(argPos) + `,
			teller_id = $3,
			started_at = $4
		FROM next_ticket
		WHERE tickets.id = next_ticket.id AND tickets.status = 'waiting'
		RETURNING ` + prefixedTicketColumns("tickets")
	target, _ := store.TargetStatus(store.ActionGrab)
	args = append(args, target)
	row := tx.QueryRow(ctx, query, args...)
	return scanTicket(row)
}

// FinishTicket closes the serving leg with the given outcome. A done
// at step 1 of a two-step transaction type promotes the same row into
// the step-2 waiting pool within the same transaction, preserving the
// step-1 leg in the *_step1 columns.
func (s *Store) FinishTicket(ctx context.Context, input store.FinishInput) (models.Ticket, bool, error) {
	if !input.Outcome.Valid() {
		return models.Ticket{}, false, store.ErrInvalidState
	}
	action := store.ActionFinishDone
	if input.Outcome == models.OutcomeNoShow {
		action = store.ActionFinishNoShow
	}
	toStatus, ok := store.TargetStatus(action)
	if !ok || !store.ValidTransition(action, models.StatusServing) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return existing, false, nil
	}

	finishedAt := input.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			finished_at = $2
		WHERE id = $3 AND status = 'serving' AND teller_id = $4
		RETURNING `+ticketColumns,
		toStatus, finishedAt, input.TicketID, input.TellerID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyMissedUpdate(ctx, tx, input.TicketID, input.TellerID, models.StatusServing)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActivity(ctx, tx, ticket.ID, activityInput{
		Action:    action,
		Actor:     input.TellerID,
		OldStatus: models.StatusServing,
		NewStatus: toStatus,
		At:        finishedAt,
		Properties: map[string]interface{}{
			"teller_id": input.TellerID,
			"step":      ticket.Step,
		},
	}); err != nil {
		return models.Ticket{}, false, err
	}

	if input.Outcome == models.OutcomeDone && ticket.Step == models.StepOne {
		ticket, err = s.promote(ctx, tx, ticket)
		if err != nil {
			return models.Ticket{}, false, err
		}
		ticket.RequestID = input.RequestID
	}

	if err = insertActionRequest(ctx, tx, action, input.RequestID, input.TellerID, ticket.ID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// promote moves a step-1 done ticket into the step-2 waiting pool when
// its transaction type has a second step; single-step types stay done.
func (s *Store) promote(ctx context.Context, tx pgx.Tx, ticket models.Ticket) (models.Ticket, error) {
	txnType, err := transactionTypeByID(ctx, tx, ticket.TransactionTypeID)
	if err != nil {
		return models.Ticket{}, err
	}
	if txnType.Steps < models.StepTwo {
		return ticket, nil
	}

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET step = 2,
			status = 'waiting',
			teller_id_step1 = teller_id,
			started_at_step1 = started_at,
			finished_at_step1 = finished_at,
			teller_id = NULL,
			started_at = NULL,
			finished_at = NULL
		WHERE id = $1 AND step = 1 AND status = 'done'
		RETURNING `+ticketColumns, ticket.ID)
	promoted, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrInvalidState
		}
		return models.Ticket{}, err
	}

	if err = insertActivity(ctx, tx, promoted.ID, activityInput{
		Action:    store.ActionPromote,
		Actor:     store.ActorSystem,
		OldStatus: models.StatusDone,
		NewStatus: models.StatusWaiting,
		Properties: map[string]interface{}{
			"from_step": models.StepOne,
			"to_step":   models.StepTwo,
		},
	}); err != nil {
		return models.Ticket{}, err
	}
	return promoted, nil
}

// OverrideTicket reassigns the serving teller and/or transaction type
// without touching status; an administrative correction, not a
// transition.
func (s *Store) OverrideTicket(ctx context.Context, input store.OverrideInput) (models.Ticket, bool, error) {
	if input.NewTellerID == "" && input.NewTransactionTypeID == "" {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, store.ActionOverride, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return existing, false, nil
	}

	if input.NewTellerID != "" {
		if _, err = tellerByID(ctx, tx, input.NewTellerID); err != nil {
			return models.Ticket{}, false, err
		}
	}
	if input.NewTransactionTypeID != "" {
		if _, err = transactionTypeByID(ctx, tx, input.NewTransactionTypeID); err != nil {
			return models.Ticket{}, false, err
		}
	}

	before, err := lockTicket(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if before.Status != models.StatusServing {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	sets := []string{}
	args := []interface{}{}
	argPos := 1
	if input.NewTellerID != "" {
		sets = append(sets, fmt.Sprintf("teller_id = $%d", argPos))
		args = append(args, input.NewTellerID)
		argPos++
	}
	if input.NewTransactionTypeID != "" {
		sets = append(sets, fmt.Sprintf("transaction_type_id = $%d", argPos))
		args = append(args, input.NewTransactionTypeID)
		argPos++
	}
	args = append(args, input.TicketID)

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tickets
		SET %s
		WHERE id = $%d AND status = 'serving'
		RETURNING `+ticketColumns, strings.Join(sets, ", "), argPos), args...)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	properties := map[string]interface{}{"reason": input.Reason}
	if input.NewTellerID != "" {
		properties["old_teller_id"] = before.TellerID
		properties["new_teller_id"] = input.NewTellerID
	}
	if input.NewTransactionTypeID != "" {
		properties["old_transaction_type_id"] = before.TransactionTypeID
		properties["new_transaction_type_id"] = input.NewTransactionTypeID
	}
	actor := input.NewTellerID
	if actor == "" {
		actor = store.ActorSystem
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	if err = insertActivity(ctx, tx, ticket.ID, activityInput{
		Action:     store.ActionOverride,
		Actor:      actor,
		OldStatus:  models.StatusServing,
		NewStatus:  models.StatusServing,
		At:         occurredAt,
		Properties: properties,
	}); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertActionRequest(ctx, tx, store.ActionOverride, input.RequestID, input.NewTellerID, ticket.ID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// ResetTeller releases the teller's serving ticket at a step back into
// the waiting pool, keeping its number and queue position identity.
// A teller with nothing in progress is a no-op, not an error.
func (s *Store) ResetTeller(ctx context.Context, input store.ResetInput) (models.Ticket, bool, error) {
	if !models.ValidStep(input.Step) {
		return models.Ticket{}, false, store.ErrInvalidState
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, store.ActionReset, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, nil
		}
		return existing, false, nil
	}

	target, _ := store.TargetStatus(store.ActionReset)
	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			teller_id = NULL,
			started_at = NULL
		WHERE teller_id = $2 AND step = $3 AND status = 'serving'
		RETURNING `+ticketColumns, target, input.TellerID, input.Step)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = insertActionRequest(ctx, tx, store.ActionReset, input.RequestID, input.TellerID, 0)
			if err != nil {
				return models.Ticket{}, false, err
			}
			if err = tx.Commit(ctx); err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActivity(ctx, tx, ticket.ID, activityInput{
		Action:    store.ActionReset,
		Actor:     input.TellerID,
		OldStatus: models.StatusServing,
		NewStatus: models.StatusWaiting,
		Properties: map[string]interface{}{
			"teller_id": input.TellerID,
			"step":      input.Step,
		},
	}); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertActionRequest(ctx, tx, store.ActionReset, input.RequestID, input.TellerID, ticket.ID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ActiveTicket(ctx context.Context, tellerID string, step int) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE teller_id = $1 AND step = $2 AND status = 'serving'
		ORDER BY started_at DESC
		LIMIT 1
	`, tellerID, step)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

// BoardSnapshot reads today's serving and waiting sets for a step. The
// serving list is capped for display layout only; the waiting list is
// the full queue in pick order.
func (s *Store) BoardSnapshot(ctx context.Context, step int) (store.BoardSnapshot, error) {
	day := s.days.Today()
	snapshot := store.BoardSnapshot{GeneratedAt: time.Now().UTC()}

	serving, err := s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'serving' AND step = $1 AND service_day = $2
		ORDER BY started_at DESC
		LIMIT $3
	`, step, day, s.servingDisplayCap)
	if err != nil {
		return store.BoardSnapshot{}, err
	}
	snapshot.Serving = serving

	waiting, err := s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'waiting' AND step = $1 AND service_day = $2
		ORDER BY is_priority DESC, id ASC
	`, step, day)
	if err != nil {
		return store.BoardSnapshot{}, err
	}
	snapshot.Waiting = waiting

	return snapshot, nil
}

func (s *Store) SearchNoShow(ctx context.Context, query string, step int) ([]models.Ticket, error) {
	pattern := "%" + strings.ToUpper(strings.TrimSpace(query)) + "%"
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'no_show' AND step = $1 AND service_day = $2
			AND display_number LIKE $3
		ORDER BY id ASC
	`, step, s.days.Today(), pattern)
}

// ReactivateTicket returns a no-show ticket to the waiting pool at its
// own step. The original number is kept; no sequencer call happens
// here.
func (s *Store) ReactivateTicket(ctx context.Context, input store.ReactivateInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, store.ActionReactivate, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, err
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidState
		}
		return existing, false, nil
	}

	target, _ := store.TargetStatus(store.ActionReactivate)
	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET status = $1,
			teller_id = NULL,
			started_at = NULL,
			finished_at = NULL
		WHERE id = $2 AND status = 'no_show'
		RETURNING `+ticketColumns, target, input.TicketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyReactivateMiss(ctx, tx, input.TicketID)
			return models.Ticket{}, false, err
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActivity(ctx, tx, ticket.ID, activityInput{
		Action:    store.ActionReactivate,
		Actor:     input.TellerID,
		OldStatus: models.StatusNoShow,
		NewStatus: models.StatusWaiting,
		Properties: map[string]interface{}{
			"teller_id": input.TellerID,
			"step":      ticket.Step,
		},
	}); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertActionRequest(ctx, tx, store.ActionReactivate, input.RequestID, input.TellerID, ticket.ID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListTicketActivities(ctx context.Context, ticketID int64) ([]store.TicketActivity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, seq, action, actor, old_status, new_status, properties, created_at, prev_hash, hash
		FROM ticket_activities
		WHERE ticket_id = $1
		ORDER BY seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []store.TicketActivity
	for rows.Next() {
		var activity store.TicketActivity
		var oldStatus sql.NullString
		if err := rows.Scan(&activity.TicketID, &activity.Seq, &activity.Action, &activity.Actor,
			&oldStatus, &activity.NewStatus, &activity.Properties, &activity.CreatedAt,
			&activity.PrevHash, &activity.Hash); err != nil {
			return nil, err
		}
		if oldStatus.Valid {
			activity.OldStatus = models.Status(oldStatus.String)
		}
		activities = append(activities, activity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return activities, nil
}

func (s *Store) ListTransactionTypes(ctx context.Context) ([]models.TransactionType, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT transaction_type_id, name, COALESCE(description, ''), steps
		FROM transaction_types
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var types []models.TransactionType
	for rows.Next() {
		var txnType models.TransactionType
		if err := rows.Scan(&txnType.TransactionTypeID, &txnType.Name, &txnType.Description, &txnType.Steps); err != nil {
			return nil, err
		}
		types = append(types, txnType)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT s.session_id, s.expires_at, t.teller_id, t.name, COALESCE(t.description, ''), t.serves_step1, t.serves_step2
		FROM sessions s
		JOIN tellers t ON t.teller_id = s.teller_id
		WHERE s.session_id = $1
	`, sessionID)
	if err := row.Scan(&session.SessionID, &session.ExpiresAt, &session.Teller.TellerID,
		&session.Teller.Name, &session.Teller.Description,
		&session.Teller.ServesStep1, &session.Teller.ServesStep2); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...interface{}) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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

func activeTicketTx(ctx context.Context, tx pgx.Tx, tellerID string, step int) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE teller_id = $1 AND step = $2 AND status = 'serving'
		ORDER BY started_at DESC
		LIMIT 1
		FOR UPDATE
	`, tellerID, step)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func lockTicket(ctx context.Context, tx pgx.Tx, ticketID int64) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1
		FOR UPDATE
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// classifyMissedUpdate explains a zero-row conditional update: gone,
// held by another teller, or in the wrong state.
func classifyMissedUpdate(ctx context.Context, tx pgx.Tx, ticketID int64, tellerID string, wantStatus models.Status) error {
	var status models.Status
	var currentTeller sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT status, teller_id
		FROM tickets
		WHERE id = $1
	`, ticketID)
	if err := row.Scan(&status, &currentTeller); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	if status != wantStatus {
		return store.ErrInvalidState
	}
	if tellerID != "" && currentTeller.Valid && currentTeller.String != tellerID {
		return store.ErrTellerMismatch
	}
	return store.ErrInvalidState
}

// classifyReactivateMiss distinguishes a reactivation target that was
// already picked back up by a teller from one in a genuinely wrong
// state.
func classifyReactivateMiss(ctx context.Context, tx pgx.Tx, ticketID int64) error {
	var status models.Status
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM tickets
		WHERE id = $1
	`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTicketNotFound
		}
		return err
	}
	if status == models.StatusServing {
		return store.ErrAlreadyClaimed
	}
	return store.ErrInvalidState
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func tellerByID(ctx context.Context, tx pgx.Tx, tellerID string) (models.Teller, error) {
	var teller models.Teller
	row := tx.QueryRow(ctx, `
		SELECT teller_id, name, COALESCE(description, ''), serves_step1, serves_step2
		FROM tellers
		WHERE teller_id = $1
	`, tellerID)
	if err := row.Scan(&teller.TellerID, &teller.Name, &teller.Description, &teller.ServesStep1, &teller.ServesStep2); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Teller{}, store.ErrTellerNotFound
		}
		return models.Teller{}, err
	}
	return teller, nil
}

func transactionTypeByID(ctx context.Context, tx pgx.Tx, transactionTypeID string) (models.TransactionType, error) {
	var txnType models.TransactionType
	row := tx.QueryRow(ctx, `
		SELECT transaction_type_id, name, COALESCE(description, ''), steps
		FROM transaction_types
		WHERE transaction_type_id = $1
	`, transactionTypeID)
	if err := row.Scan(&txnType.TransactionTypeID, &txnType.Name, &txnType.Description, &txnType.Steps); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TransactionType{}, store.ErrTransactionTypeNotFound
		}
		return models.TransactionType{}, err
	}
	return txnType, nil
}

// tellerAllowsTransactionType mirrors the join-table convention: a
// teller with no explicit mappings may serve every type.
func tellerAllowsTransactionType(ctx context.Context, tx pgx.Tx, tellerID, transactionTypeID string) (bool, error) {
	var count int
	row := tx.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM teller_transaction_types
		WHERE teller_id = $1
	`, tellerID)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	if count == 0 {
		return true, nil
	}
	row = tx.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM teller_transaction_types
		WHERE teller_id = $1 AND transaction_type_id = $2
	`, tellerID, transactionTypeID)
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
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
	ticket.RequestID = requestID
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullInt64
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM ticket_action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, err
	}

	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	row = tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1
	`, ticketID.Int64)
	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, tellerID string, ticketID int64) error {
	var ticketValue interface{}
	if ticketID > 0 {
		ticketValue = ticketID
	}
	var tellerValue interface{}
	if tellerID != "" {
		tellerValue = tellerID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_action_requests (request_id, action, teller_id, ticket_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, tellerValue, ticketValue)
	return err
}

// nextSequence atomically advances the per-(day, class) counter. The
// upsert-increment returns the new value in one statement, so no two
// callers can observe the same number.
func nextSequence(ctx context.Context, tx pgx.Tx, day time.Time, isPriority bool) (int, error) {
	var next int
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_day, is_priority, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_day, is_priority)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, day, isPriority)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	if next > models.MaxSequence {
		return 0, store.ErrSequenceExhausted
	}
	return next, nil
}

type activityInput struct {
	Action     string
	Actor      string
	OldStatus  models.Status
	NewStatus  models.Status
	At         time.Time
	Properties map[string]interface{}
}

// insertActivity appends the next link of the ticket's hash chain. The
// advisory lock serializes writers per ticket so seq and prev_hash
// stay consistent under concurrency.
func insertActivity(ctx context.Context, tx pgx.Tx, ticketID int64, input activityInput) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ticketID); err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM ticket_activities
		WHERE ticket_id = $1
		ORDER BY seq DESC
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

	var properties json.RawMessage
	if input.Properties != nil {
		encoded, err := json.Marshal(input.Properties)
		if err != nil {
			return err
		}
		properties = encoded
	}

	createdAt := input.At.UTC()
	if input.At.IsZero() {
		createdAt = time.Now().UTC()
	}
	hash := store.ComputeActivityHash(prev, ticketID, input.Action, input.Actor,
		input.OldStatus, input.NewStatus, properties, createdAt, nextSeq)

	var oldStatus interface{}
	if input.OldStatus != "" {
		oldStatus = string(input.OldStatus)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_activities (ticket_id, seq, action, actor, old_status, new_status, properties, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ticketID, nextSeq, input.Action, input.Actor, oldStatus, string(input.NewStatus), properties, createdAt, prev, hash)
	return err
}

func prefixedTicketColumns(alias string) string {
	parts := strings.Split(ticketColumns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var tellerID sql.NullString
	var startedAt sql.NullTime
	var finishedAt sql.NullTime
	var tellerIDStep1 sql.NullString
	var startedAtStep1 sql.NullTime
	var finishedAtStep1 sql.NullTime
	if err := row.Scan(&ticket.ID, &ticket.Number, &ticket.DisplayNumber, &ticket.TransactionTypeID,
		&ticket.IsPriority, &ticket.Step, &ticket.Status, &tellerID, &ticket.ServiceDay,
		&ticket.CreatedAt, &startedAt, &finishedAt,
		&tellerIDStep1, &startedAtStep1, &finishedAtStep1); err != nil {
		return models.Ticket{}, err
	}
	ticket.TellerID = nullStringPtr(tellerID)
	ticket.StartedAt = nullTimePtr(startedAt)
	ticket.FinishedAt = nullTimePtr(finishedAt)
	ticket.TellerIDStep1 = nullStringPtr(tellerIDStep1)
	ticket.StartedAtStep1 = nullTimePtr(startedAtStep1)
	ticket.FinishedAtStep1 = nullTimePtr(finishedAtStep1)
	return ticket, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
