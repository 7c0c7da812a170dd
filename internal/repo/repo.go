package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"cellarline/internal/config"
	"cellarline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound aliases the domain sentinel so callers can match either.
var ErrNotFound = domain.ErrNotFound

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when one is in flight, the pool otherwise.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertWinery(ctx context.Context, tx *sql.Tx, w domain.Winery) error {
	if w.TimeZone == "" {
		w.TimeZone = "UTC"
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO wineries(id,name,time_zone,created_at) VALUES (?,?,?,?)`,
		w.ID, w.Name, w.TimeZone, w.CreatedAt)
	return err
}

func (r Repo) GetWinery(ctx context.Context, tx *sql.Tx, id string) (domain.Winery, error) {
	var w domain.Winery
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,time_zone,created_at FROM wineries WHERE id=?`, id).
		Scan(&w.ID, &w.Name, &w.TimeZone, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) ListWineries(ctx context.Context) ([]domain.Winery, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,time_zone,created_at FROM wineries ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Winery
	for rows.Next() {
		var w domain.Winery
		if err := rows.Scan(&w.ID, &w.Name, &w.TimeZone, &w.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) UpsertWineryConfig(ctx context.Context, tx *sql.Tx, wineryID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Winery.ID = wineryID
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := config.ToYAML(cfg)
	if err != nil {
		return err
	}
	now := domain.FormatTime(time.Now())
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO winery_configs(winery_id,config_yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(winery_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, wineryID, string(data), now)
	return err
}

func (r Repo) GetWineryConfig(ctx context.Context, tx *sql.Tx, wineryID string) (*config.Config, error) {
	var data string
	err := r.q(tx).QueryRowContext(ctx, `SELECT config_yaml FROM winery_configs WHERE winery_id=?`, wineryID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(data))
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func ptr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
