package repo

import (
	"context"
	"database/sql"
	"errors"

	"subline/internal/domain"
)

// querier abstracts the pool and an open transaction so reads can run
// against either. Guard reads inside an engine transaction must use the
// transaction itself; going back to the pool mid-transaction stalls
// when the pool has no free connection.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) InsertMember(ctx context.Context, tx *sql.Tx, m domain.Member) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO members(team_id,user_id,role,created_at) VALUES (?,?,?,?)`,
		m.TeamID, m.UserID, string(m.Role), m.CreatedAt)
	return err
}

// GetMember loads a member with narrowings attached. ErrNotFound means
// the user is an outsider to the team.
func (r Repo) GetMember(ctx context.Context, teamID, userID string) (domain.Member, error) {
	return r.getMember(ctx, r.DB, teamID, userID)
}

// GetMemberTx is the in-transaction variant used by engine guards.
func (r Repo) GetMemberTx(ctx context.Context, tx *sql.Tx, teamID, userID string) (domain.Member, error) {
	return r.getMember(ctx, tx, teamID, userID)
}

func (r Repo) getMember(ctx context.Context, q querier, teamID, userID string) (domain.Member, error) {
	var m domain.Member
	err := q.QueryRowContext(ctx, `SELECT team_id,user_id,role,created_at FROM members WHERE team_id=? AND user_id=?`, teamID, userID).
		Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Narrowings, err = r.listNarrowings(ctx, q, teamID, userID)
	return m, err
}

func (r Repo) SetMemberRole(ctx context.Context, tx *sql.Tx, teamID, userID string, role domain.Role) error {
	res, err := tx.ExecContext(ctx, `UPDATE members SET role=? WHERE team_id=? AND user_id=?`, string(role), teamID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RemoveMember(ctx context.Context, tx *sql.Tx, teamID, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM member_narrowings WHERE team_id=? AND user_id=?`, teamID, userID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM members WHERE team_id=? AND user_id=?`, teamID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMembers(ctx context.Context, teamID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT team_id,user_id,role,created_at FROM members WHERE team_id=? ORDER BY created_at ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		res[i].Narrowings, err = r.ListNarrowings(ctx, teamID, res[i].UserID)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

// AddNarrowing attaches a project or language narrowing. Exactly one of
// ProjectID/Language must be set; the schema rejects both and the
// per-target unique index rejects duplicates.
func (r Repo) AddNarrowing(ctx context.Context, tx *sql.Tx, n domain.Narrowing) error {
	if (n.ProjectID == "") == (n.Language == "") {
		return errors.New("narrowing needs exactly one of project or language")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO member_narrowings(id,team_id,user_id,project_id,language,added_by_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		n.ID, n.TeamID, n.UserID, nullable(n.ProjectID), nullable(n.Language), nullable(n.AddedByID), n.CreatedAt)
	return err
}

func (r Repo) RemoveNarrowing(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM member_narrowings WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListNarrowings(ctx context.Context, teamID, userID string) ([]domain.Narrowing, error) {
	return r.listNarrowings(ctx, r.DB, teamID, userID)
}

func (r Repo) listNarrowings(ctx context.Context, q querier, teamID, userID string) ([]domain.Narrowing, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,team_id,user_id,COALESCE(project_id,''),COALESCE(language,''),COALESCE(added_by_id,''),created_at FROM member_narrowings WHERE team_id=? AND user_id=? ORDER BY created_at ASC, id ASC`, teamID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Narrowing
	for rows.Next() {
		var n domain.Narrowing
		if err := rows.Scan(&n.ID, &n.TeamID, &n.UserID, &n.ProjectID, &n.Language, &n.AddedByID, &n.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
