// Package db opens the sqlite database holding the format cache and the song catalog and keeps
// its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xeptore/flaw/v8"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/xeptore/tunestream/errutil"
)

type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func DefaultOptions() Options {
	return Options{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Open opens path with WAL journaling and applies pending migrations. The pragmas are part of the
// DSN so every pooled connection gets them.
func Open(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path,
		opts.BusyTimeout.Milliseconds(),
	)
	flawP := flaw.P{"path": path}

	db, err := sql.Open("sqlite", dsn)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to open database: %v", err)).Append(flawP)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); nil != err {
		_ = db.Close()
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to ping database: %v", err)).Append(flawP)
	}

	if err := Migrate(ctx, db); nil != err {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
