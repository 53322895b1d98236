package repo

import (
	"context"
	"database/sql"
	"strings"

	"subline/internal/domain"
)

const taskColumns = `id,team_id,content_item_id,language,type,assignee_id,work_version_id,review_base_version_id,outcome,priority,deleted,expires_at,completed_at,completed_by,created_at,updated_at`

// IsUniqueViolation reports whether err is the sqlite unique-constraint
// rejection a losing concurrent writer receives.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TeamID, t.ContentItemID, t.Language, string(t.Type),
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.WorkVersionID), nullableStringPtr(t.ReviewBaseVersionID),
		nullable(string(t.Outcome)), t.Priority, boolInt(t.Deleted),
		nullableStringPtr(t.ExpiresAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTask writes every mutable column. review_base_version_id is
// deliberately absent: it is set once at creation and never reassigned.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee_id=?, work_version_id=?, outcome=?, priority=?, deleted=?, expires_at=?, completed_at=?, completed_by=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.WorkVersionID), nullable(string(t.Outcome)),
		t.Priority, boolInt(t.Deleted), nullableStringPtr(t.ExpiresAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.UpdatedAt, t.ID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, workVersion, reviewBase, outcome, expiresAt, completedAt, completedBy sql.NullString
	var deleted int
	err := row.Scan(&t.ID, &t.TeamID, &t.ContentItemID, &t.Language, &t.Type,
		&assignee, &workVersion, &reviewBase, &outcome, &t.Priority, &deleted,
		&expiresAt, &completedAt, &completedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Deleted = deleted != 0
	if assignee.Valid {
		t.AssigneeID = &assignee.String
	}
	if workVersion.Valid {
		t.WorkVersionID = &workVersion.String
	}
	if reviewBase.Valid {
		t.ReviewBaseVersionID = &reviewBase.String
	}
	if outcome.Valid {
		t.Outcome = domain.Outcome(outcome.String)
	}
	if expiresAt.Valid {
		t.ExpiresAt = &expiresAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// TaskFilters narrows ListTasks. Deleted tasks are always excluded.
type TaskFilters struct {
	TeamID        string
	ContentItemID string
	Language      string
	Type          domain.TaskType
	AssigneeID    string
	OpenOnly      bool
	CompletedOnly bool
	// OrderBy picks the secondary sort key after -priority:
	// "created" (default) or "expires".
	OrderBy string
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"deleted=0"}
	var args []any
	if f.TeamID != "" {
		clauses = append(clauses, "team_id=?")
		args = append(args, f.TeamID)
	}
	if f.ContentItemID != "" {
		clauses = append(clauses, "content_item_id=?")
		args = append(args, f.ContentItemID)
	}
	if f.Language != "" {
		clauses = append(clauses, "language=?")
		args = append(args, f.Language)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.OpenOnly {
		clauses = append(clauses, "completed_at IS NULL")
	}
	if f.CompletedOnly {
		clauses = append(clauses, "completed_at IS NOT NULL")
	}
	secondary := "created_at ASC"
	if f.OrderBy == "expires" {
		secondary = "CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY priority DESC, ` + secondary + `, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OpenTasksForLanguage returns every open, non-deleted task for one
// (content item, language) pair. More than one row is an anomaly the
// engine self-heals.
func (r Repo) OpenTasksForLanguage(ctx context.Context, tx *sql.Tx, itemID, language string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE content_item_id=? AND language=? AND completed_at IS NULL AND deleted=0 ORDER BY id ASC`, itemID, language)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OpenTasksForItem returns all open tasks for a content item across
// languages.
func (r Repo) OpenTasksForItem(ctx context.Context, tx *sql.Tx, itemID string) ([]domain.Task, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE content_item_id=? AND completed_at IS NULL AND deleted=0 ORDER BY id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AnyTaskExists reports whether any task, open or completed, deleted or
// not, was ever created for the item.
func (r Repo) AnyTaskExists(ctx context.Context, tx *sql.Tx, itemID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE content_item_id=? LIMIT 1`, itemID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// CountOpenAssigned counts open tasks currently assigned to a member.
func (r Repo) CountOpenAssigned(ctx context.Context, tx *sql.Tx, teamID, userID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE team_id=? AND assignee_id=? AND completed_at IS NULL AND deleted=0`, teamID, userID).Scan(&n)
	return n, err
}

// LastCompleterOfType returns the user who most recently completed a
// task of the given type for (item, language), or "" when nobody has.
// The completing actor is recorded at completion; assignee_id stands in
// for rows terminated by the engine itself.
func (r Repo) LastCompleterOfType(ctx context.Context, tx *sql.Tx, itemID, language string, taskType domain.TaskType) (string, error) {
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(completed_by, assignee_id) FROM tasks
WHERE content_item_id=? AND language=? AND type=? AND completed_at IS NOT NULL
  AND (completed_by IS NOT NULL OR assignee_id IS NOT NULL)
ORDER BY completed_at DESC, id DESC LIMIT 1`, itemID, language, string(taskType))
	var userID string
	err := row.Scan(&userID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return userID, err
}

// HasApprovedTask reports whether an Approve task was ever completed
// with an approved outcome for (item, language). Used by the
// direct-publish fast path.
func (r Repo) HasApprovedTask(ctx context.Context, tx *sql.Tx, itemID, language string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE content_item_id=? AND language=? AND type=? AND outcome=? AND completed_at IS NOT NULL LIMIT 1`,
		itemID, language, string(domain.TaskApprove), string(domain.OutcomeApproved))
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) SoftDeleteTask(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET deleted=1, updated_at=? WHERE id=? AND deleted=0`, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredOpenTasks returns open assigned tasks whose deadline has
// passed.
func (r Repo) ExpiredOpenTasks(ctx context.Context, now string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
WHERE completed_at IS NULL AND deleted=0 AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY id ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ClearAssignment drops assignee and deadline. Clearing an already
// cleared task is a no-op, which keeps the expiration sweep idempotent.
func (r Repo) ClearAssignment(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET assignee_id=NULL, expires_at=NULL, updated_at=? WHERE id=? AND completed_at IS NULL AND deleted=0`, updatedAt, id)
	return err
}
