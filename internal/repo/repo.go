package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"subline/internal/config"
	"subline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO teams(id,name,workflow_enabled,default_project_id,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, boolInt(t.WorkflowEnabled), nullable(t.DefaultProjectID), t.CreatedAt)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	var enabled int
	var defaultProject sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,workflow_enabled,default_project_id,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &enabled, &defaultProject, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.WorkflowEnabled = enabled != 0
	if defaultProject.Valid {
		t.DefaultProjectID = defaultProject.String
	}
	return t, nil
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,workflow_enabled,COALESCE(default_project_id,''),created_at FROM teams ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		var enabled int
		if err := rows.Scan(&t.ID, &t.Name, &enabled, &t.DefaultProjectID, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.WorkflowEnabled = enabled != 0
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SetTeamWorkflowEnabled(ctx context.Context, tx *sql.Tx, teamID string, enabled bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE teams SET workflow_enabled=? WHERE id=?`, boolInt(enabled), teamID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTeamDefaultProject(ctx context.Context, tx *sql.Tx, teamID, projectID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE teams SET default_project_id=? WHERE id=?`, nullable(projectID), teamID)
	return err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,team_id,name,workflow_enabled,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.TeamID, p.Name, boolInt(p.WorkflowEnabled), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var enabled int
	err := r.DB.QueryRowContext(ctx, `SELECT id,team_id,name,workflow_enabled,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.TeamID, &p.Name, &enabled, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.WorkflowEnabled = enabled != 0
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, teamID string) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,team_id,name,workflow_enabled,created_at FROM projects WHERE team_id=? ORDER BY created_at ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var enabled int
		if err := rows.Scan(&p.ID, &p.TeamID, &p.Name, &enabled, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.WorkflowEnabled = enabled != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetProjectWorkflowEnabled(ctx context.Context, tx *sql.Tx, projectID string, enabled bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET workflow_enabled=? WHERE id=?`, boolInt(enabled), projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertContentItem(ctx context.Context, tx *sql.Tx, it domain.ContentItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO content_items(id,team_id,project_id,title,primary_language,created_at) VALUES (?,?,?,?,?,?)`,
		it.ID, it.TeamID, it.ProjectID, it.Title, nullable(it.PrimaryLanguage), it.CreatedAt)
	return err
}

func (r Repo) GetContentItem(ctx context.Context, id string) (domain.ContentItem, error) {
	var it domain.ContentItem
	var primary sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,team_id,project_id,title,primary_language,created_at FROM content_items WHERE id=?`, id).
		Scan(&it.ID, &it.TeamID, &it.ProjectID, &it.Title, &primary, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if primary.Valid {
		it.PrimaryLanguage = primary.String
	}
	return it, err
}

func (r Repo) ListContentItems(ctx context.Context, teamID string) ([]domain.ContentItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,team_id,project_id,title,COALESCE(primary_language,''),created_at FROM content_items WHERE team_id=? ORDER BY created_at DESC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContentItem
	for rows.Next() {
		var it domain.ContentItem
		if err := rows.Scan(&it.ID, &it.TeamID, &it.ProjectID, &it.Title, &it.PrimaryLanguage, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) MoveContentItem(ctx context.Context, tx *sql.Tx, itemID, projectID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE content_items SET project_id=? WHERE id=?`, projectID, itemID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Team settings are persisted as a JSON document per team. A missing row
// is the caller's cue to seed config.Default.

func (r Repo) UpsertTeamSettings(ctx context.Context, teamID string, s *config.Settings) error {
	return upsertTeamSettings(ctx, r.DB, nil, teamID, s)
}

func (r Repo) UpsertTeamSettingsTx(ctx context.Context, tx *sql.Tx, teamID string, s *config.Settings) error {
	return upsertTeamSettings(ctx, nil, tx, teamID, s)
}

func upsertTeamSettings(ctx context.Context, db *sql.DB, tx *sql.Tx, teamID string, s *config.Settings) error {
	if s == nil {
		return errors.New("settings nil")
	}
	s.Team.ID = teamID
	if err := s.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO team_settings(team_id,settings_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(team_id) DO UPDATE SET settings_json=excluded.settings_json, updated_at=excluded.updated_at`, teamID, string(payload), now, now)
	return err
}

func (r Repo) GetTeamSettings(ctx context.Context, teamID string) (*config.Settings, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT settings_json FROM team_settings WHERE team_id=?`, teamID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s config.Settings
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, err
	}
	if s.Team.ID == "" {
		s.Team.ID = teamID
	}
	return &s, s.Validate()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
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
