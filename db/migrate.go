package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/tunestream/errutil"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrations returns the embedded migrations sorted by version. File names follow
// NNNN_name_up.sql / NNNN_name_down.sql and every version needs both halves.
func Migrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("sql")
	if nil != err {
		return nil, flaw.From(fmt.Errorf("failed to read migrations directory: %v", err))
	}

	byVersion := make(map[int]*Migration, len(entries)/2)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		prefix, rest, found := strings.Cut(name, "_")
		if !found {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if nil != err {
			continue
		}

		content, err := migrationFiles.ReadFile(path.Join("sql", name))
		if nil != err {
			return nil, flaw.From(fmt.Errorf("failed to read migration file %s: %v", name, err))
		}

		m := byVersion[version]
		if nil == m {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(rest, "_up.sql"):
			m.Name = strings.TrimSuffix(rest, "_up.sql")
			m.Up = string(content)
		case strings.HasSuffix(rest, "_down.sql"):
			m.Down = string(content)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" || m.Down == "" {
			return nil, flaw.From(fmt.Errorf("incomplete migration for version %d", m.Version))
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := Migrations()
	if nil != err {
		return err
	}

	const createTable = `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`
	if _, err := db.ExecContext(ctx, createTable); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to create schema_migrations table: %v", err)).Append(flawP)
	}

	for _, m := range migrations {
		if err := apply(ctx, db, m); nil != err {
			return err
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m Migration) (err error) {
	flawP := flaw.P{"version": m.Version, "name": m.Name}

	tx, err := db.BeginTx(ctx, nil)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to begin migration transaction: %v", err)).Append(flawP)
	}
	defer func() {
		if nil != err {
			if rollbackErr := tx.Rollback(); nil != rollbackErr && !errors.Is(rollbackErr, sql.ErrTxDone) {
				err = errors.Join(err, rollbackErr)
			}
		}
	}()

	var applied int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&applied); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to check migration state: %v", err)).Append(flawP)
	}
	if applied > 0 {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, m.Up); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to apply migration: %v", err)).Append(flawP)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.Version, time.Now().Unix()); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to record migration: %v", err)).Append(flawP)
	}

	if err := tx.Commit(); nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return flaw.From(fmt.Errorf("failed to commit migration: %v", err)).Append(flawP)
	}
	return nil
}
