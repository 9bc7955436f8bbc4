package repo

import (
	"context"
	"database/sql"

	"factorypulse/internal/domain"
)

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, v domain.Review) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,project_id,org_id,discipline,reviewer_id,status,summary,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.OrgID, v.Discipline, v.ReviewerID, v.Status, nullable(v.Summary), v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,project_id,org_id,discipline,reviewer_id,status,COALESCE(summary,''),created_at,updated_at
FROM reviews WHERE id=?`, id)
	var v domain.Review
	err := row.Scan(&v.ID, &v.ProjectID, &v.OrgID, &v.Discipline, &v.ReviewerID, &v.Status, &v.Summary, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListReviewsByProject(ctx context.Context, projectID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,org_id,discipline,reviewer_id,status,COALESCE(summary,''),created_at,updated_at
FROM reviews WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		var v domain.Review
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.OrgID, &v.Discipline, &v.ReviewerID, &v.Status, &v.Summary, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) UpdateReviewStatusTx(ctx context.Context, tx *sql.Tx, id, status, summary, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET status=?, summary=COALESCE(?,summary), updated_at=? WHERE id=?`,
		status, nullable(summary), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// StampReviewerTx writes the reviewer onto the project column matching the
// review discipline. Called when a review is approved.
func (r Repo) StampReviewerTx(ctx context.Context, tx *sql.Tx, projectID, discipline, reviewerID, updatedAt string) error {
	var col string
	switch discipline {
	case domain.DisciplineEngineering:
		col = "engineering_reviewer_id"
	case domain.DisciplineQA:
		col = "qa_reviewer_id"
	case domain.DisciplineProduction:
		col = "production_reviewer_id"
	default:
		return ErrNotFound
	}
	_, err := tx.ExecContext(ctx, `UPDATE projects SET `+col+`=?, updated_at=? WHERE id=?`, reviewerID, updatedAt, projectID)
	return err
}
