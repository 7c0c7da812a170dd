// Package migrate applies the embedded SQLite schema. Each file under sql/
// is named <version>_<name>.sql and runs once, in its own transaction.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"cellarline/internal/observability"
)

//go:embed sql/*.sql
var files embed.FS

type step struct {
	version int
	name    string
	body    string
}

// Applied describes one migration recorded in the database.
type Applied struct {
	Version   int    `json:"version"`
	Name      string `json:"name"`
	AppliedAt string `json:"applied_at"`
}

func steps() ([]step, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	seen := map[int]string{}
	for _, ent := range entries {
		if ent.IsDir() || path.Ext(ent.Name()) != ".sql" {
			continue
		}
		prefix, rest, ok := strings.Cut(strings.TrimSuffix(ent.Name(), ".sql"), "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must be <version>_<name>.sql", ent.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration version %d used by %s and %s", v, prev, ent.Name())
		}
		seen[v] = ent.Name()
		body, err := files.ReadFile("sql/" + ent.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: rest, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate brings db up to the newest embedded version.
func Migrate(db *sql.DB) error {
	return MigrateContext(context.Background(), db)
}

func MigrateContext(ctx context.Context, db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	log := observability.LoggerFromContext(ctx)
	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := apply(ctx, db, s); err != nil {
			return err
		}
		log.Info("migration applied", "version", s.version, "name", s.name)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, s step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.body); err != nil {
		return fmt.Errorf("migration %d_%s: %w", s.version, s.name, err)
	}
	at := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`, s.version, s.name, at); err != nil {
		return fmt.Errorf("record migration %d: %w", s.version, err)
	}
	return tx.Commit()
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Status lists the applied migrations and the embedded ones still pending.
func Status(ctx context.Context, db *sql.DB) (applied []Applied, pending []string, err error) {
	all, err := steps()
	if err != nil {
		return nil, nil, err
	}
	var tables int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&tables); err != nil {
		return nil, nil, err
	}
	done := map[int]bool{}
	if tables > 0 {
		rows, err := db.QueryContext(ctx, `SELECT version,name,applied_at FROM schema_migrations ORDER BY version`)
		if err != nil {
			return nil, nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var a Applied
			if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
				return nil, nil, err
			}
			done[a.Version] = true
			applied = append(applied, a)
		}
		if err := rows.Err(); err != nil {
			return nil, nil, err
		}
	}
	for _, s := range all {
		if !done[s.version] {
			pending = append(pending, fmt.Sprintf("%d_%s", s.version, s.name))
		}
	}
	return applied, pending, nil
}
