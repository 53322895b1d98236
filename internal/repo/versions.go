package repo

import (
	"context"
	"database/sql"

	"subline/internal/domain"
)

const versionColumns = `id,content_item_id,language,number,public,complete_synced,deleted,author_id,created_at`

func scanVersion(row rowScanner) (domain.Version, error) {
	var v domain.Version
	var public, completeSynced, deleted int
	var author sql.NullString
	err := row.Scan(&v.ID, &v.ContentItemID, &v.Language, &v.Number, &public, &completeSynced, &deleted, &author, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.Public = public != 0
	v.CompleteSynced = completeSynced != 0
	v.Deleted = deleted != 0
	if author.Valid {
		v.AuthorID = author.String
	}
	return v, nil
}

func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO versions(`+versionColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ContentItemID, v.Language, v.Number, boolInt(v.Public), boolInt(v.CompleteSynced), boolInt(v.Deleted), nullable(v.AuthorID), v.CreatedAt)
	return err
}

// NextVersionNumber returns the number the next version in the chain
// should carry.
func (r Repo) NextVersionNumber(ctx context.Context, tx *sql.Tx, itemID, language string) (int, error) {
	var n sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(number) FROM versions WHERE content_item_id=? AND language=?`, itemID, language).Scan(&n)
	if err != nil {
		return 0, err
	}
	return int(n.Int64) + 1, nil
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.Version, error) {
	return scanVersion(r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id))
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Version, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE id=?`, id))
}

// TipVersion returns the newest non-deleted version for a language,
// restricted to public versions when publicOnly is set.
func (r Repo) TipVersion(ctx context.Context, tx *sql.Tx, itemID, language string, publicOnly bool) (domain.Version, error) {
	query := `SELECT ` + versionColumns + ` FROM versions WHERE content_item_id=? AND language=? AND deleted=0`
	if publicOnly {
		query += ` AND public=1`
	}
	query += ` ORDER BY number DESC LIMIT 1`
	return scanVersion(tx.QueryRowContext(ctx, query, itemID, language))
}

// PreviousVersion returns the non-deleted version immediately before v
// in its chain.
func (r Repo) PreviousVersion(ctx context.Context, tx *sql.Tx, v domain.Version) (domain.Version, error) {
	return scanVersion(tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions
WHERE content_item_id=? AND language=? AND number<? AND deleted=0 ORDER BY number DESC LIMIT 1`,
		v.ContentItemID, v.Language, v.Number))
}

func (r Repo) PublishVersion(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `UPDATE versions SET public=1 WHERE id=? AND deleted=0`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetVersionCompleteSynced(ctx context.Context, tx *sql.Tx, id string, complete bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE versions SET complete_synced=? WHERE id=?`, boolInt(complete), id)
	return err
}

// CascadeDeleteDrafts marks v and every older still-private version in
// the same chain deleted, stopping at the first already public version.
func (r Repo) CascadeDeleteDrafts(ctx context.Context, tx *sql.Tx, v domain.Version) error {
	cur := v
	for {
		if cur.Public {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE versions SET deleted=1 WHERE id=?`, cur.ID); err != nil {
			return err
		}
		prev, err := r.PreviousVersion(ctx, tx, cur)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		cur = prev
	}
}

// AnyPublicVersion reports whether any language of the item has a
// public, non-deleted version.
func (r Repo) AnyPublicVersion(ctx context.Context, tx *sql.Tx, itemID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM versions WHERE content_item_id=? AND public=1 AND deleted=0 LIMIT 1`, itemID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// LanguageComplete reports whether a language's public tip exists and is
// complete and synced.
func (r Repo) LanguageComplete(ctx context.Context, tx *sql.Tx, itemID, language string) (bool, error) {
	tip, err := r.TipVersion(ctx, tx, itemID, language, true)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tip.CompleteSynced, nil
}

// LanguageEmpty reports whether the language has no published versions
// left.
func (r Repo) LanguageEmpty(ctx context.Context, tx *sql.Tx, itemID, language string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM versions WHERE content_item_id=? AND language=? AND deleted=0 AND public=1 LIMIT 1`, itemID, language)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return true, nil
	}
	return false, err
}

// CompleteLanguages lists languages whose public tip is complete and
// synced.
func (r Repo) CompleteLanguages(ctx context.Context, tx *sql.Tx, itemID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT language FROM versions WHERE content_item_id=? AND deleted=0 AND public=1 ORDER BY language`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var candidates []string
	for rows.Next() {
		var lang string
		if err := rows.Scan(&lang); err != nil {
			return nil, err
		}
		candidates = append(candidates, lang)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []string
	for _, lang := range candidates {
		ok, err := r.LanguageComplete(ctx, tx, itemID, lang)
		if err != nil {
			return nil, err
		}
		if ok {
			res = append(res, lang)
		}
	}
	return res, nil
}
