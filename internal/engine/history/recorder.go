// Package history appends rows to the stage-transition ledger. Rows are
// written and committed before the project's stage field moves, so a crash
// between the two leaves evidence of intent rather than a silent gap.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"factorypulse/internal/domain"
)

// PersistenceError wraps a failed ledger write.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: record stage transition: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type Recorder struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Record appends one transition record and returns it with id and
// timestamp filled in. Each call is an independent append; callers must not
// call it twice for the same logical transition.
func (r Recorder) Record(ctx context.Context, t domain.StageTransition) (domain.StageTransition, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == "" {
		t.CreatedAt = r.now().UTC().Format(time.RFC3339)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO stage_transitions(id,project_id,org_id,from_stage_id,to_stage_id,actor_id,reason,bypass_used,bypass_reason,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.OrgID, nullableStr(t.FromStageID), t.ToStageID, t.ActorID, t.Reason,
		boolInt(t.BypassUsed), nullableStr(t.BypassReason), t.CreatedAt)
	if err != nil {
		return domain.StageTransition{}, &PersistenceError{Err: err}
	}
	return t, nil
}

func nullableStr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
