// Package relay tails the audit log and fans entries out to sinks: HTTP
// webhooks, a NATS subject and the reply dispatcher. Each sink keeps its own
// persisted cursor, so delivery is at-least-once and survives restarts.
package relay

import (
	"context"
	"errors"
	"time"

	"cellarline/internal/audit"
	"cellarline/internal/domain"
	"cellarline/internal/metrics"
	"cellarline/internal/observability"
	"cellarline/internal/repo"
)

const (
	defaultInterval = 2 * time.Second
	defaultBatch    = 100
)

// Sink receives audit entries in id order. Name must be stable across
// restarts; it keys the sink's cursor.
type Sink interface {
	Name() string
	Accepts(a domain.TaskAction) bool
	Deliver(ctx context.Context, a domain.TaskAction) error
}

type Relay struct {
	Repo     repo.Repo
	Sinks    []Sink
	Metrics  *metrics.Metrics
	Interval time.Duration
	Batch    int
	Now      func() time.Time
}

// Run polls until ctx is cancelled.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Tick(ctx); err != nil && ctx.Err() == nil {
			observability.LoggerFromContext(ctx).Error("relay tick failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over every sink and returns how many entries were
// delivered. A failing sink stops at the failed entry and is retried from
// there on the next tick; other sinks carry on.
func (r Relay) Tick(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, s := range r.Sinks {
		n, err := r.drain(ctx, s)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (r Relay) drain(ctx context.Context, s Sink) (int, error) {
	log := observability.LoggerFromContext(ctx).With("sink", s.Name())
	cursor, err := r.cursor(ctx, s)
	if err != nil {
		return 0, err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultBatch
	}
	entries, err := audit.Log{Repo: r.Repo}.ActionsAfter(ctx, cursor, batch)
	if err != nil {
		return 0, domain.Storage("read audit", err)
	}
	delivered := 0
	for _, a := range entries {
		if !s.Accepts(a) {
			cursor = a.ID
			continue
		}
		if err := s.Deliver(ctx, a); err != nil {
			r.count(s, "failed")
			log.Warn("relay delivery failed", "action_id", a.ID, "err", err)
			break
		}
		r.count(s, "delivered")
		delivered++
		cursor = a.ID
	}
	if len(entries) > 0 {
		if err := r.Repo.SetCursor(ctx, s.Name(), cursor, domain.FormatTime(r.now())); err != nil {
			return delivered, domain.Storage("save relay cursor", err)
		}
	}
	return delivered, nil
}

// cursor loads the sink's position. A sink seen for the first time starts
// at the current end of the log rather than replaying history.
func (r Relay) cursor(ctx context.Context, s Sink) (int64, error) {
	cur, err := r.Repo.GetCursor(ctx, s.Name())
	if err == nil {
		return cur, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return 0, domain.Storage("read relay cursor", err)
	}
	cur, err = r.Repo.LatestActionID(ctx)
	if err != nil {
		return 0, domain.Storage("read audit head", err)
	}
	if err := r.Repo.SetCursor(ctx, s.Name(), cur, domain.FormatTime(r.now())); err != nil {
		return 0, domain.Storage("save relay cursor", err)
	}
	return cur, nil
}

func (r Relay) count(s Sink, outcome string) {
	if r.Metrics != nil {
		r.Metrics.Relayed.WithLabelValues(s.Name(), outcome).Inc()
	}
}

func (r Relay) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}
