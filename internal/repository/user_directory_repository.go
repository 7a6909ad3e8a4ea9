package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-proc-approvals/internal/database"
	"github.com/pesio-ai/be-proc-approvals/internal/errors"
)

// UserDirectoryRepository reads role membership from the HR tables that share
// the approvals database. It is read-only.
type UserDirectoryRepository struct {
	db database.Querier
}

// NewUserDirectoryRepository creates a new UserDirectoryRepository.
func NewUserDirectoryRepository(db database.Querier) *UserDirectoryRepository {
	return &UserDirectoryRepository{db: db}
}

// RoleHolders returns the active users currently holding role, sorted by id.
func (r *UserDirectoryRepository) RoleHolders(ctx context.Context, role string) ([]string, error) {
	query := `
		SELECT ur.user_id
		FROM hr_user_roles ur
		JOIN hr_users u ON u.user_id = ur.user_id
		WHERE ur.role = $1
		  AND u.is_active = TRUE
		ORDER BY ur.user_id ASC
	`

	rows, err := r.db.Query(ctx, query, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query role holders")
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role holders")
	}
	return userIDs, nil
}

// IsActive reports whether userID exists and is active.
func (r *UserDirectoryRepository) IsActive(ctx context.Context, userID string) (bool, error) {
	query := `SELECT is_active FROM hr_users WHERE user_id = $1`

	var active bool
	err := r.db.QueryRow(ctx, query, userID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to query user status")
	}
	return active, nil
}
