package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"eventsync-backend/internal/domain"
)

// CallAuditRepository persists call lifecycle records for offline analysis.
// Write-only: live call state never comes back out of the database.
type CallAuditRepository struct {
	pool *pgxpool.Pool
}

// NewCallAuditRepository creates a new call audit repository
func NewCallAuditRepository(pool *pgxpool.Pool) *CallAuditRepository {
	return &CallAuditRepository{pool: pool}
}

// RecordStart inserts the audit row for a newly started call
func (r *CallAuditRepository) RecordStart(ctx context.Context, call *domain.Call) error {
	query := `
		INSERT INTO call_audit (
			call_id, kind, creator_id, started_at
		) VALUES ($1, $2, $3, $4)
	`

	_, err := r.pool.Exec(ctx, query,
		call.ID,
		string(call.Kind),
		call.CreatorID,
		call.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to record call start: %w", err)
	}

	return nil
}

// RecordEnd closes the audit row with the end reason and duration
func (r *CallAuditRepository) RecordEnd(ctx context.Context, callID uuid.UUID, reason string, endedAt time.Time) error {
	query := `
		UPDATE call_audit
		SET ended_at = $2,
		    end_reason = $3,
		    duration = EXTRACT(EPOCH FROM ($2 - started_at))::INT
		WHERE call_id = $1
	`

	_, err := r.pool.Exec(ctx, query, callID, endedAt, reason)
	if err != nil {
		return fmt.Errorf("failed to record call end: %w", err)
	}

	return nil
}
