package postgres

import (
	"context"
	"time"

	"counterflow/queue-service/internal/models"
	"counterflow/queue-service/internal/store"

	"github.com/jackc/pgx/v5"
)

// ReleaseStaleServing returns tickets that have been serving longer
// than the grace period to the waiting pool. This recovers queues
// behind teller clients that crashed without finishing or resetting;
// the released tickets keep their number and pick order.
func (s *Store) ReleaseStaleServing(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		WITH stale AS (
			SELECT id
			FROM tickets
			WHERE status = 'serving' AND started_at < $1
			ORDER BY started_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		UPDATE tickets
		SET status = 'waiting',
			teller_id = NULL,
			started_at = NULL
		FROM stale
		WHERE tickets.id = stale.id
		RETURNING tickets.id
	`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err = insertActivity(ctx, tx, id, activityInput{
			Action:    store.ActionReset,
			Actor:     store.ActorSystem,
			OldStatus: models.StatusServing,
			NewStatus: models.StatusWaiting,
			Properties: map[string]interface{}{
				"stale_grace_seconds": int(olderThan.Seconds()),
			},
		}); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}
