// Package tenant resolves the winery a request acts on.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cellarline/internal/config"
	"cellarline/internal/domain"
	"cellarline/internal/repo"
)

// Scope fixes the winery every read and write of an operation is confined to.
type Scope struct {
	WineryID string
}

func (s Scope) Validate() error {
	if strings.TrimSpace(s.WineryID) == "" {
		return domain.Invalid("winery_id", "required")
	}
	return nil
}

// Resolve loads the winery and its config, seeding the default config when
// the winery exists but has none yet.
func Resolve(ctx context.Context, r repo.Repo, s Scope) (domain.Winery, *config.Config, error) {
	if err := s.Validate(); err != nil {
		return domain.Winery{}, nil, err
	}
	w, err := r.GetWinery(ctx, nil, s.WineryID)
	if err != nil {
		return domain.Winery{}, nil, err
	}
	cfg, err := r.GetWineryConfig(ctx, nil, s.WineryID)
	if errors.Is(err, repo.ErrNotFound) {
		cfg = config.Default(w.ID, w.Name)
		cfg.Winery.TimeZone = w.TimeZone
		if err := r.UpsertWineryConfig(ctx, nil, w.ID, cfg); err != nil {
			return domain.Winery{}, nil, fmt.Errorf("seed winery config: %w", err)
		}
	} else if err != nil {
		return domain.Winery{}, nil, err
	}
	cfg.Winery.ID = w.ID
	if cfg.Winery.Name == "" {
		cfg.Winery.Name = w.Name
	}
	return w, cfg, nil
}

// CreateWinery inserts a winery with cfg, or the default config when cfg is nil.
func CreateWinery(ctx context.Context, r repo.Repo, w domain.Winery, cfg *config.Config) (domain.Winery, error) {
	if strings.TrimSpace(w.ID) == "" {
		return w, domain.Invalid("id", "required")
	}
	if strings.TrimSpace(w.Name) == "" {
		w.Name = w.ID
	}
	if w.TimeZone == "" {
		w.TimeZone = "UTC"
	}
	if _, err := time.LoadLocation(w.TimeZone); err != nil {
		return w, domain.Invalid("time_zone", err.Error())
	}
	if w.CreatedAt == "" {
		w.CreatedAt = domain.FormatTime(time.Now())
	}
	if cfg == nil {
		cfg = config.Default(w.ID, w.Name)
		cfg.Winery.TimeZone = w.TimeZone
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := r.InsertWinery(ctx, tx, w); err != nil {
		return w, fmt.Errorf("insert winery: %w", err)
	}
	if err := r.UpsertWineryConfig(ctx, tx, w.ID, cfg); err != nil {
		return w, fmt.Errorf("insert winery config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}
