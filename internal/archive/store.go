package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
)

// schema creates the events table and its indexes plus the single-row
// watermark metadata table. Statements are idempotent so a process restart
// against an existing file is a no-op.
//
// golang-migrate (wired for the optional Postgres session backend) has no
// driver for modernc.org/sqlite in this dependency set, so the embedded
// archive schema is versioned as inline idempotent DDL instead.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	agent_name TEXT NOT NULL DEFAULT '',
	agent_ip TEXT NOT NULL DEFAULT '',
	manager_name TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	decoder_name TEXT NOT NULL DEFAULT '',
	rule_id INTEGER NOT NULL DEFAULT 0,
	rule_level INTEGER NOT NULL DEFAULT 0,
	rule_description TEXT NOT NULL DEFAULT '',
	rule_mitre_id TEXT NOT NULL DEFAULT '',
	rule_mitre_tactic TEXT NOT NULL DEFAULT '',
	rule_mitre_technique TEXT NOT NULL DEFAULT '',
	full_log TEXT NOT NULL DEFAULT '',
	json_data TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
CREATE INDEX IF NOT EXISTS idx_events_rule_level ON events(rule_level);
CREATE INDEX IF NOT EXISTS idx_events_agent_name ON events(agent_name);
CREATE INDEX IF NOT EXISTS idx_events_rule_id ON events(rule_id);
CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_content_hash ON events(content_hash);

CREATE TABLE IF NOT EXISTS ingest_watermark (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_timestamp TEXT NOT NULL DEFAULT '',
	total_appended INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO ingest_watermark (id, last_timestamp, total_appended) VALUES (1, '', 0);
`

// Store is the embedded relational archive. All writes go through Append
// from the single ingest writer; every other caller only reads.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the archive file in WAL mode, applying
// the schema. WAL mode allows concurrent readers while the ingest pipeline
// writes.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; modernc driver is not safe for concurrent writers on one *DB
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Watermark returns the current ingest watermark.
func (s *Store) Watermark(ctx context.Context) (Watermark, error) {
	var w Watermark
	row := s.db.QueryRowContext(ctx, `SELECT last_timestamp, total_appended FROM ingest_watermark WHERE id = 1`)
	if err := row.Scan(&w.LastTimestamp, &w.TotalAppended); err != nil {
		return Watermark{}, fmt.Errorf("read watermark: %w", err)
	}
	return w, nil
}

// IsDuplicate reports whether an event with this content hash already
// exists within the 1-hour window ending at timestamp.
func (s *Store) IsDuplicate(ctx context.Context, hash, timestamp string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM events
		WHERE content_hash = ? AND timestamp >= datetime(?, '-1 hour')`,
		hash, timestamp).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return n > 0, nil
}

// AppendResult reports the outcome of one Append batch commit.
type AppendResult struct {
	Inserted      int
	NewWatermark  string
	TotalAppended int64
}

// Append commits a batch of already-deduplicated events in a single
// transaction and advances the watermark to the max timestamp in the
// batch. An empty batch is a no-op: no inserts, no watermark change. The
// watermark never moves backward.
func (s *Store) Append(ctx context.Context, events []Event) (AppendResult, error) {
	if len(events) == 0 {
		wm, err := s.Watermark(ctx)
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{NewWatermark: wm.LastTimestamp, TotalAppended: wm.TotalAppended}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			timestamp, agent_id, agent_name, agent_ip, manager_name, location,
			decoder_name, rule_id, rule_level, rule_description,
			rule_mitre_id, rule_mitre_tactic, rule_mitre_technique,
			full_log, json_data, content_hash
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return AppendResult{}, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	maxTS := ""
	for _, e := range events {
		hash := ContentHash(e.Timestamp, e.FullLog, e.RuleID)
		if _, err := stmt.ExecContext(ctx,
			e.Timestamp, e.AgentID, e.AgentName, e.AgentIP, e.ManagerName, e.Location,
			e.DecoderName, e.RuleID, e.RuleLevel, e.RuleDescription,
			e.MitreID, e.MitreTactic, e.MitreTechnique,
			e.FullLog, e.JSONData, hash,
		); err != nil {
			return AppendResult{}, fmt.Errorf("insert event: %w", err)
		}
		if e.Timestamp > maxTS {
			maxTS = e.Timestamp
		}
	}

	var total int64
	row := tx.QueryRowContext(ctx, `SELECT total_appended FROM ingest_watermark WHERE id = 1`)
	if err := row.Scan(&total); err != nil {
		return AppendResult{}, fmt.Errorf("read watermark for update: %w", err)
	}
	total += int64(len(events))

	var prevTS string
	if err := tx.QueryRowContext(ctx, `SELECT last_timestamp FROM ingest_watermark WHERE id = 1`).Scan(&prevTS); err != nil {
		return AppendResult{}, fmt.Errorf("read prior watermark: %w", err)
	}
	newWatermark := prevTS
	if maxTS > newWatermark {
		newWatermark = maxTS
	}

	if _, err := tx.ExecContext(ctx, `UPDATE ingest_watermark SET last_timestamp = ?, total_appended = ? WHERE id = 1`, newWatermark, total); err != nil {
		return AppendResult{}, fmt.Errorf("update watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit batch: %w", err)
	}

	slog.Info("archive.batch_committed", "inserted", len(events), "watermark", newWatermark, "total", total)
	return AppendResult{Inserted: len(events), NewWatermark: newWatermark, TotalAppended: total}, nil
}

// RecentEvents returns events matching Filters, newest first, bounded by
// Filters.Limit (0 means the caller gets the driver default of unbounded
// within the window — callers should always set Limit explicitly).
func (s *Store) RecentEvents(ctx context.Context, f Filters) ([]Event, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, timestamp, agent_id, agent_name, agent_ip, manager_name, location,
		decoder_name, rule_id, rule_level, rule_description,
		rule_mitre_id, rule_mitre_tactic, rule_mitre_technique, full_log, json_data, created_at
		FROM events WHERE 1=1`)
	args := []any{}

	if f.Window.Start != "" {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, f.Window.Start)
	}
	if f.Window.End != "" {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, f.Window.End)
	}
	if f.MinSeverity > 0 {
		b.WriteString(" AND rule_level >= ?")
		args = append(args, f.MinSeverity)
	}
	if len(f.RuleIDs) > 0 {
		b.WriteString(" AND rule_id IN (")
		for i, id := range f.RuleIDs {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}
	if len(f.AgentIDs) > 0 {
		b.WriteString(" AND agent_id IN (")
		for i, id := range f.AgentIDs {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}
	b.WriteString(" ORDER BY timestamp DESC, id DESC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}

	return s.queryEvents(ctx, b.String(), args...)
}

// TopNBySeverity returns the N highest-severity events in a window.
func (s *Store) TopNBySeverity(ctx context.Context, window TimeWindow, n int) ([]Event, error) {
	var b strings.Builder
	b.WriteString(`SELECT id, timestamp, agent_id, agent_name, agent_ip, manager_name, location,
		decoder_name, rule_id, rule_level, rule_description,
		rule_mitre_id, rule_mitre_tactic, rule_mitre_technique, full_log, json_data, created_at
		FROM events WHERE 1=1`)
	args := []any{}
	if window.Start != "" {
		b.WriteString(" AND timestamp >= ?")
		args = append(args, window.Start)
	}
	if window.End != "" {
		b.WriteString(" AND timestamp <= ?")
		args = append(args, window.End)
	}
	b.WriteString(" ORDER BY rule_level DESC, timestamp DESC, id ASC LIMIT ?")
	args = append(args, n)

	return s.queryEvents(ctx, b.String(), args...)
}

// SearchLike runs a full-text LIKE match against rule description and raw
// log, newest first.
func (s *Store) SearchLike(ctx context.Context, term string, limit int) ([]Event, error) {
	like := "%" + term + "%"
	return s.queryEvents(ctx, `SELECT id, timestamp, agent_id, agent_name, agent_ip, manager_name, location,
		decoder_name, rule_id, rule_level, rule_description,
		rule_mitre_id, rule_mitre_tactic, rule_mitre_technique, full_log, json_data, created_at
		FROM events
		WHERE rule_description LIKE ? OR full_log LIKE ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, like, like, limit)
}

// EventsByIDs fetches events by id, used by the semantic index to enrich
// bare similarity hits with full event fields.
func (s *Store) EventsByIDs(ctx context.Context, ids []int64) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var b strings.Builder
	b.WriteString(`SELECT id, timestamp, agent_id, agent_name, agent_ip, manager_name, location,
		decoder_name, rule_id, rule_level, rule_description,
		rule_mitre_id, rule_mitre_tactic, rule_mitre_technique, full_log, json_data, created_at
		FROM events WHERE id IN (`)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("?")
		args[i] = id
	}
	b.WriteString(")")
	return s.queryEvents(ctx, b.String(), args...)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AgentID, &e.AgentName, &e.AgentIP, &e.ManagerName, &e.Location,
			&e.DecoderName, &e.RuleID, &e.RuleLevel, &e.RuleDescription,
			&e.MitreID, &e.MitreTactic, &e.MitreTechnique, &e.FullLog, &e.JSONData, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DistinctAgents returns every distinct agent with its event count.
func (s *Store) DistinctAgents(ctx context.Context) ([]AgentCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, agent_name, COUNT(1) as cnt FROM events
		GROUP BY agent_id, agent_name ORDER BY cnt DESC`)
	if err != nil {
		return nil, fmt.Errorf("distinct agents: %w", err)
	}
	defer rows.Close()

	var out []AgentCount
	for rows.Next() {
		var a AgentCount
		if err := rows.Scan(&a.AgentID, &a.AgentName, &a.Count); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TopRules returns the top-N rule ids by occurrence count.
func (s *Store) TopRules(ctx context.Context, limit int) ([]RuleCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, rule_description, COUNT(1) as cnt FROM events
		GROUP BY rule_id, rule_description ORDER BY cnt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("top rules: %w", err)
	}
	defer rows.Close()

	var out []RuleCount
	for rows.Next() {
		var r RuleCount
		if err := rows.Scan(&r.RuleID, &r.RuleDescription, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Dashboard computes the read-only aggregate view over a window.
func (s *Store) Dashboard(ctx context.Context, window TimeWindow, critical, high, medium int) (DashboardAggregate, error) {
	agg := DashboardAggregate{CountsBySeverity: map[string]int64{}}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE timestamp >= ? AND timestamp <= ?`, window.Start, window.End)
	if err := row.Scan(&agg.TotalEvents); err != nil {
		return agg, fmt.Errorf("count total: %w", err)
	}

	bands := []struct {
		name string
		min  int
		max  int
	}{
		{"critical", critical, 16},
		{"high", high, critical - 1},
		{"medium", medium, high - 1},
		{"low", 0, medium - 1},
	}
	for _, b := range bands {
		var n int64
		r := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events
			WHERE timestamp >= ? AND timestamp <= ? AND rule_level >= ? AND rule_level <= ?`,
			window.Start, window.End, b.min, b.max)
		if err := r.Scan(&n); err != nil {
			return agg, fmt.Errorf("count band %s: %w", b.name, err)
		}
		agg.CountsBySeverity[b.name] = n
	}

	agents, err := s.DistinctAgents(ctx)
	if err != nil {
		return agg, err
	}
	if len(agents) > 5 {
		agents = agents[:5]
	}
	agg.TopAgents = agents

	rules, err := s.TopRules(ctx, 5)
	if err != nil {
		return agg, err
	}
	agg.TopRules = rules

	return agg, nil
}
