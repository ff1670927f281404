// Package statsstore persists task records in SQLite (WAL mode) so a node's
// recent execution history survives restarts and can be queried offline.
package statsstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/reactor/errors"
	"github.com/c360/reactor/pkg/retry"
	"github.com/c360/reactor/stats"
)

// Store is a stats.Sink backed by a SQLite database.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	retention time.Duration
}

var _ stats.Sink = (*Store)(nil)

// Options tune the store.
type Options struct {
	// Retention removes records finished earlier than now-Retention on
	// Prune. Zero keeps everything.
	Retention time.Duration
	Logger    *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Store", "Open", "database path")
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "open database")
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger.With("component", "statsstore"), retention: opts.Retention}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "Store", "Open", "migrate schema")
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS task_stats (
		task_id           INTEGER NOT NULL,
		node              TEXT    NOT NULL,
		reaction          TEXT    NOT NULL,
		identifier        TEXT    NOT NULL,
		reaction_id       INTEGER NOT NULL,
		cause_reaction_id INTEGER NOT NULL DEFAULT 0,
		cause_task_id     INTEGER NOT NULL DEFAULT 0,
		emitted           TEXT    NOT NULL,
		started           TEXT,
		finished          TEXT,
		queue_latency_ns  INTEGER NOT NULL DEFAULT 0,
		run_duration_ns   INTEGER NOT NULL DEFAULT 0,
		error             TEXT,
		PRIMARY KEY (node, task_id)
	);
	CREATE INDEX IF NOT EXISTS idx_task_stats_reaction ON task_stats(reaction, task_id);
	CREATE INDEX IF NOT EXISTS idx_task_stats_finished ON task_stats(finished);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Name implements stats.Sink.
func (s *Store) Name() string { return "sqlite" }

// Write implements stats.Sink. A record with an already stored
// (node, task_id) replaces the earlier row.
func (s *Store) Write(ctx context.Context, r stats.Record) error {
	ident, err := json.Marshal(r.Identifier)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "Write", "encode identifier")
	}

	return s.withContention(ctx, "Write", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO task_stats
			 (task_id, node, reaction, identifier, reaction_id, cause_reaction_id, cause_task_id,
			  emitted, started, finished, queue_latency_ns, run_duration_ns, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(r.TaskID), r.Node, r.Reaction, string(ident), int64(r.ReactionID),
			int64(r.CauseReactionID), int64(r.CauseTaskID),
			formatTime(r.Emitted), nullTime(r.Started), nullTime(r.Finished),
			r.QueueLatencyNS, r.RunDurationNS, nullString(r.Error),
		)
		return err
	})
}

// Query filters stored records. Zero fields do not filter.
type Query struct {
	Node       string
	Reaction   string
	FailedOnly bool
	Limit      int
}

// Find returns matching records, newest task first.
func (s *Store) Find(ctx context.Context, q Query) ([]stats.Record, error) {
	var (
		where []string
		args  []any
	)
	if q.Node != "" {
		where = append(where, "node = ?")
		args = append(args, q.Node)
	}
	if q.Reaction != "" {
		where = append(where, "reaction = ?")
		args = append(args, q.Reaction)
	}
	if q.FailedOnly {
		where = append(where, "error IS NOT NULL")
	}

	query := `SELECT task_id, node, reaction, identifier, reaction_id, cause_reaction_id, cause_task_id,
		emitted, started, finished, queue_latency_ns, run_duration_ns, error FROM task_stats`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY task_id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Find", "query records")
	}
	defer rows.Close()

	var out []stats.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Store", "Find", "scan record")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Find", "iterate records")
	}
	return out, nil
}

// Summary aggregates stored records of one reaction.
type Summary struct {
	Reaction      string
	Tasks         int64
	Failures      int64
	AvgRun        time.Duration
	MaxRun        time.Duration
	AvgQueueDelay time.Duration
}

// Summaries aggregates records per reaction, ordered by name.
func (s *Store) Summaries(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reaction, COUNT(*), COUNT(error),
		       CAST(COALESCE(AVG(run_duration_ns), 0) AS INTEGER),
		       COALESCE(MAX(run_duration_ns), 0),
		       CAST(COALESCE(AVG(queue_latency_ns), 0) AS INTEGER)
		FROM task_stats GROUP BY reaction ORDER BY reaction`)
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Summaries", "query")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var avgRun, maxRun, avgQueue int64
		if err := rows.Scan(&sum.Reaction, &sum.Tasks, &sum.Failures, &avgRun, &maxRun, &avgQueue); err != nil {
			return nil, errors.WrapInvalid(err, "Store", "Summaries", "scan")
		}
		sum.AvgRun = time.Duration(avgRun)
		sum.MaxRun = time.Duration(maxRun)
		sum.AvgQueueDelay = time.Duration(avgQueue)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Prune deletes records finished before now minus the retention window and
// returns how many rows were removed.
func (s *Store) Prune(ctx context.Context, now time.Time) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := formatTime(now.Add(-s.retention))

	var removed int64
	err := s.withContention(ctx, "Prune", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM task_stats WHERE finished IS NOT NULL AND finished < ?`, cutoff)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err == nil && removed > 0 {
		s.logger.Debug("Pruned task records", "removed", removed)
	}
	return removed, err
}

// RunPruner calls Prune every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Prune(ctx, now); err != nil {
				s.logger.Warn("Prune failed", "error", err)
			}
		}
	}
}

// withContention retries fn while SQLite reports lock contention.
func (s *Store) withContention(ctx context.Context, method string, fn func() error) error {
	cfg := retry.Config{
		MaxAttempts:  4,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
		AddJitter:    true,
	}
	err := retry.Do(ctx, cfg, func() error {
		err := fn()
		if err != nil && !isContention(err) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	var stop *retry.NonRetryableError
	if stderrors.As(err, &stop) {
		err = stop.Err
	}
	if isContention(err) {
		return errors.WrapTransient(err, "Store", method, "database busy")
	}
	return errors.Wrap(err, "Store", method, "execute")
}

func isContention(err error) bool {
	msg := err.Error()
	for _, pattern := range []string{"SQLITE_BUSY", "SQLITE_LOCKED", "database is locked", "database table is locked"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (stats.Record, error) {
	var (
		r                                   stats.Record
		taskID, reactionID, causeR, causeT int64
		ident, emitted                      string
		started, finished, errText          sql.NullString
	)
	if err := row.Scan(&taskID, &r.Node, &r.Reaction, &ident, &reactionID, &causeR, &causeT,
		&emitted, &started, &finished, &r.QueueLatencyNS, &r.RunDurationNS, &errText); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(ident), &r.Identifier); err != nil {
		return r, err
	}
	r.TaskID = uint64(taskID)
	r.ReactionID = uint64(reactionID)
	r.CauseReactionID = uint64(causeR)
	r.CauseTaskID = uint64(causeT)
	r.Emitted = parseTime(emitted)
	r.Started = parseTime(started.String)
	r.Finished = parseTime(finished.String)
	r.Error = errText.String
	return r, nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
