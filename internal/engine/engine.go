package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cellarline/internal/audit"
	"cellarline/internal/classifier"
	"cellarline/internal/domain"
	"cellarline/internal/engine/auth"
	"cellarline/internal/metrics"
	"cellarline/internal/observability"
	"cellarline/internal/repo"
	"cellarline/internal/tenant"
	"cellarline/internal/tokens"
	"cellarline/internal/workflow"
)

// MaxParentDepth bounds the ancestor chain of a task.
const MaxParentDepth = 16

// Executor carries out an approved task against the outside world (CRM
// update, shipment change). It returns a result summary for the audit log.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (map[string]any, error)
}

type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Auth          auth.Service
	Metrics       *metrics.Metrics
	Executor      Executor
	Classifiers   *classifier.Cache
	PublicBaseURL string
	Now           func() time.Time
}

func New(db *sql.DB) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:            db,
		Repo:          r,
		Auth:          auth.Service{Repo: r},
		Classifiers:   classifier.NewCache(),
		PublicBaseURL: "http://127.0.0.1:8080",
		Now:           time.Now,
	}
}

// Outcome is a task after an operation together with the audit entry the
// operation appended.
type Outcome struct {
	Task   domain.Task       `json:"task"`
	Action domain.TaskAction `json:"action"`
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) audit() audit.Log {
	return audit.Log{Repo: e.Repo, Now: e.now}
}

func (e Engine) tokens() tokens.Issuer {
	return tokens.Issuer{Repo: e.Repo, Now: e.now}
}

// History returns the audit entries of a task inside the scope's winery.
func (e Engine) History(ctx context.Context, scope tenant.Scope, taskID string) ([]domain.TaskAction, error) {
	if _, err := e.GetTask(ctx, scope, taskID); err != nil {
		return nil, err
	}
	return e.audit().History(ctx, scope.WineryID, taskID)
}

// Inspect returns a task with its newest audit entry.
func (e Engine) Inspect(ctx context.Context, scope tenant.Scope, taskID string) (Outcome, error) {
	t, err := e.GetTask(ctx, scope, taskID)
	if err != nil {
		return Outcome{}, err
	}
	a, err := e.audit().Latest(ctx, nil, scope.WineryID, t.ID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Action: a}, nil
}

func (e Engine) GetTask(ctx context.Context, scope tenant.Scope, id string) (domain.Task, error) {
	if err := scope.Validate(); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, nil, scope.WineryID, id)
	if err != nil {
		return t, domain.Storage("read task", err)
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, scope tenant.Scope, f repo.TaskFilters) ([]domain.Task, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, domain.Invalid("status", string(f.Status))
	}
	if f.Category != "" && !f.Category.Valid() {
		return nil, domain.Invalid("category", string(f.Category))
	}
	f.WineryID = scope.WineryID
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, domain.Storage("list tasks", err)
	}
	return tasks, nil
}

// fire applies ev to a task in one transaction: permission check, table
// lookup, optional mutation, versioned update and audit append. A refused
// event leaves no trace.
func (e Engine) fire(ctx context.Context, scope tenant.Scope, taskID string, actor *string, ev workflow.Event, perm string,
	details map[string]any, mutate func(tx *sql.Tx, t *domain.Task, extra map[string]any) error) (Outcome, error) {
	if err := scope.Validate(); err != nil {
		return Outcome{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()

	out, err := e.fireTx(ctx, tx, scope.WineryID, taskID, actor, ev, perm, details, mutate)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, domain.Storage("commit", err)
	}
	e.transitioned(ctx, out, ev)
	return out, nil
}

func (e Engine) fireTx(ctx context.Context, tx *sql.Tx, wineryID, taskID string, actor *string, ev workflow.Event, perm string,
	details map[string]any, mutate func(tx *sql.Tx, t *domain.Task, extra map[string]any) error) (Outcome, error) {
	if err := e.Auth.Require(ctx, tx, wineryID, actor, perm); err != nil {
		return Outcome{}, err
	}
	t, err := e.Repo.GetTask(ctx, tx, wineryID, taskID)
	if err != nil {
		return Outcome{}, domain.Storage("read task", err)
	}
	from := t.Status
	to, err := workflow.Apply(from, ev)
	if err != nil {
		if e.Metrics != nil {
			e.Metrics.Rejected.WithLabelValues(string(ev), string(from)).Inc()
		}
		return Outcome{}, err
	}
	extra := map[string]any{}
	for k, v := range details {
		extra[k] = v
	}
	t.Status = to
	if mutate != nil {
		if err := mutate(tx, &t, extra); err != nil {
			return Outcome{}, err
		}
	}
	t.UpdatedAt = domain.FormatTime(e.now())
	t.UpdatedBy = actor
	if t, err = e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return Outcome{}, domain.Storage("update task", err)
	}
	a, err := e.audit().Append(ctx, tx, wineryID, taskID, actor, workflow.ActionFor(ev), workflow.TransitionDetails(ev, from, to, extra))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Task: t, Action: a}, nil
}

func (e Engine) transitioned(ctx context.Context, out Outcome, ev workflow.Event) {
	from, _ := out.Action.Details["from"].(string)
	if e.Metrics != nil {
		e.Metrics.Transitions.WithLabelValues(string(ev), from, string(out.Task.Status)).Inc()
	}
	observability.LoggerFromContext(ctx).Info("task transition",
		"task_id", out.Task.ID, "winery_id", out.Task.WineryID, "event", string(ev),
		"from", from, "to", string(out.Task.Status), "action_id", out.Action.ID)
}

// edit runs a non-transition change on a live task: permission check,
// optional version guard, mutation, versioned update and one audit entry.
func (e Engine) edit(ctx context.Context, scope tenant.Scope, taskID string, actor *string, perm, op string, ifVersion int,
	at domain.ActionType, mutate func(tx *sql.Tx, t *domain.Task) (map[string]any, error)) (Outcome, error) {
	if err := scope.Validate(); err != nil {
		return Outcome{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, domain.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := e.Auth.Require(ctx, tx, scope.WineryID, actor, perm); err != nil {
		return Outcome{}, err
	}
	t, err := e.Repo.GetTask(ctx, tx, scope.WineryID, taskID)
	if err != nil {
		return Outcome{}, domain.Storage("read task", err)
	}
	if t.Status.Terminal() {
		return Outcome{}, domain.InvalidTransitionError{From: t.Status, Event: op}
	}
	if ifVersion > 0 && ifVersion != t.Version {
		return Outcome{}, fmt.Errorf("task %s at version %d, caller had %d: %w", t.ID, t.Version, ifVersion, domain.ErrConflict)
	}
	details, err := mutate(tx, &t)
	if err != nil {
		return Outcome{}, err
	}
	t.UpdatedAt = domain.FormatTime(e.now())
	t.UpdatedBy = actor
	if t, err = e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return Outcome{}, domain.Storage("update task", err)
	}
	a, err := e.audit().Append(ctx, tx, scope.WineryID, taskID, actor, at, details)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, domain.Storage("commit", err)
	}
	observability.LoggerFromContext(ctx).Info("task edited", "task_id", t.ID, "winery_id", t.WineryID, "action", string(at))
	return Outcome{Task: t, Action: a}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
