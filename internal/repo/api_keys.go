package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"

	"cellarline/internal/domain"
)

const apiKeyColumns = `id,user_id,winery_id,name,key_hash,created_at`

// HashAPIKey is the lookup form of a raw key. Raw keys are never stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

func scanAPIKey(s interface{ Scan(...any) error }) (domain.APIKey, error) {
	var k domain.APIKey
	err := s.Scan(&k.ID, &k.UserID, &k.WineryID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err == sql.ErrNoRows {
		return k, ErrNotFound
	}
	return k, err
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, k domain.APIKey) error {
	if k.ID == "" || k.UserID == "" || k.WineryID == "" || k.KeyHash == "" || k.CreatedAt == "" {
		return domain.Invalid("api_key", "id, user, winery, hash and created_at are required")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(`+apiKeyColumns+`) VALUES (?,?,?,?,?,?)`,
		k.ID, k.UserID, k.WineryID, k.Name, k.KeyHash, k.CreatedAt)
	return err
}

// GetAPIKeyByHash is the authentication lookup. It is not winery-scoped:
// the key itself decides the winery.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
}

// ListAPIKeys returns a winery's keys, newest first. An empty userID lists all.
func (r Repo) ListAPIKeys(ctx context.Context, wineryID, userID string) ([]domain.APIKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys
WHERE winery_id=? AND (?='' OR user_id=?) ORDER BY created_at DESC, id`, wineryID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, tx *sql.Tx, wineryID, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND winery_id=?`, id, wineryID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
