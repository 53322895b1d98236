package repo

import (
	"context"
	"database/sql"
	"errors"

	"subline/internal/domain"
)

const workflowColumns = `id,team_id,project_id,content_item_id,autocreate_subtitle,autocreate_translate,review_requirement,approve_requirement,created_at`

func scanWorkflowConfig(row rowScanner) (domain.WorkflowConfig, error) {
	var c domain.WorkflowConfig
	var projectID, itemID sql.NullString
	var sub, tr int
	err := row.Scan(&c.ID, &c.TeamID, &projectID, &itemID, &sub, &tr, &c.ReviewRequirement, &c.ApproveRequirement, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if projectID.Valid {
		c.ProjectID = projectID.String
	}
	if itemID.Valid {
		c.ContentItemID = itemID.String
	}
	c.AutocreateSubtitle = sub != 0
	c.AutocreateTranslate = tr != 0
	return c, nil
}

// UpsertWorkflowConfig creates or replaces the config for its target.
// Exactly one config may exist per target; the target is the team when
// both ProjectID and ContentItemID are empty.
func (r Repo) UpsertWorkflowConfig(ctx context.Context, tx *sql.Tx, c domain.WorkflowConfig) error {
	if c.TeamID == "" {
		return errors.New("team required")
	}
	if c.ProjectID != "" && c.ContentItemID != "" {
		return errors.New("workflow config targets exactly one of team, project, or content item")
	}
	existing, err := r.workflowConfigForTarget(ctx, tx, c.TeamID, c.ProjectID, c.ContentItemID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if err == nil {
		_, err = tx.ExecContext(ctx, `UPDATE workflow_configs SET autocreate_subtitle=?, autocreate_translate=?, review_requirement=?, approve_requirement=? WHERE id=?`,
			boolInt(c.AutocreateSubtitle), boolInt(c.AutocreateTranslate), c.ReviewRequirement, c.ApproveRequirement, existing.ID)
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflow_configs(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.TeamID, nullable(c.ProjectID), nullable(c.ContentItemID),
		boolInt(c.AutocreateSubtitle), boolInt(c.AutocreateTranslate), c.ReviewRequirement, c.ApproveRequirement, c.CreatedAt)
	return err
}

func (r Repo) workflowConfigForTarget(ctx context.Context, tx *sql.Tx, teamID, projectID, itemID string) (domain.WorkflowConfig, error) {
	switch {
	case itemID != "":
		return scanWorkflowConfig(tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_configs WHERE content_item_id=?`, itemID))
	case projectID != "":
		return scanWorkflowConfig(tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_configs WHERE project_id=?`, projectID))
	default:
		return scanWorkflowConfig(tx.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflow_configs WHERE team_id=? AND project_id IS NULL AND content_item_id IS NULL`, teamID))
	}
}

// ListWorkflowConfigs returns every config registered for a team, in
// registration order. Resolution specificity is the resolver's job, not
// an ordering property of this listing.
func (r Repo) ListWorkflowConfigs(ctx context.Context, teamID string) ([]domain.WorkflowConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflow_configs WHERE team_id=? ORDER BY created_at ASC, id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkflowConfigs(rows)
}

// ListWorkflowConfigsTx is the in-transaction variant used by the
// engine so resolution sees the same snapshot as the transition.
func (r Repo) ListWorkflowConfigsTx(ctx context.Context, tx *sql.Tx, teamID string) ([]domain.WorkflowConfig, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflow_configs WHERE team_id=? ORDER BY created_at ASC, id ASC`, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkflowConfigs(rows)
}

func collectWorkflowConfigs(rows *sql.Rows) ([]domain.WorkflowConfig, error) {
	var res []domain.WorkflowConfig
	for rows.Next() {
		c, err := scanWorkflowConfig(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) DeleteWorkflowConfig(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_configs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
