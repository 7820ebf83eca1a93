// Package history is the append-only, queryable compliance log: every
// admitted status transition is recorded here in addition to the in-memory
// domain store, so operators can answer "what happened to component X last
// month" without replaying the whole event stream.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"smokestack/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS history (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	op_id       INTEGER NOT NULL,
	timestamp   TEXT NOT NULL,
	actor       TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	note        TEXT,
	components  TEXT NOT NULL DEFAULT '[]',
	tags        TEXT NOT NULL DEFAULT '[]',
	source      TEXT NOT NULL DEFAULT 'internal'
);
CREATE INDEX IF NOT EXISTS history_op_id_idx ON history(op_id);
CREATE INDEX IF NOT EXISTS history_timestamp_idx ON history(timestamp);
CREATE INDEX IF NOT EXISTS history_actor_idx ON history(actor);
`

// Log is the sqlite-backed history log.
type Log struct {
	DB  *sql.DB
	Now func() time.Time
}

// Open runs the schema migration against db and returns a ready Log.
func Open(db *sql.DB) (*Log, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("history: migrate schema: %w", err)
	}
	return &Log{DB: db, Now: time.Now}, nil
}

// Append records rec within tx, the same transaction the caller uses to
// commit the transition it describes, so the history log and the mutation
// that produced it never diverge. It fills rec.Timestamp if zero.
func (l *Log) Append(ctx context.Context, tx *sql.Tx, rec domain.HistoryRecord) error {
	if rec.Timestamp.IsZero() {
		now := l.Now
		if now == nil {
			now = time.Now
		}
		rec.Timestamp = now().UTC()
	}
	components, err := json.Marshal(rec.Components)
	if err != nil {
		return fmt.Errorf("history: marshal components: %w", err)
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("history: marshal tags: %w", err)
	}
	source := rec.Source
	if source == "" {
		source = "internal"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO history(op_id,timestamp,actor,from_status,to_status,note,components,tags,source)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.OpID, rec.Timestamp.Format(time.RFC3339Nano), rec.Actor, string(rec.FromStatus), string(rec.ToStatus),
		nullable(rec.Note), string(components), string(tags), source)
	if err != nil {
		return fmt.Errorf("history: insert record: %w", err)
	}
	return nil
}

// Query filters the compliance log. Zero-valued fields are not filtered on.
type Query struct {
	OpID      int64
	Actor     string
	Component string
	Tag       string
	Since     time.Time
	Until     time.Time
	Cursor    string // opaque "<rfc3339nano>,<seq>" composite cursor
	Limit     int
}

// Page is one page of a Query, with the cursor to pass back for the next page.
type Page struct {
	Records    []domain.HistoryRecord
	NextCursor string
}

// Find runs q against the log and returns a page of matching records ordered
// oldest first by (timestamp, seq).
func (l *Log) Find(ctx context.Context, q Query) (Page, error) {
	var where []string
	var args []any

	if q.OpID != 0 {
		where = append(where, "op_id = ?")
		args = append(args, q.OpID)
	}
	if q.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, q.Actor)
	}
	if q.Component != "" {
		where = append(where, "components LIKE ?")
		args = append(args, "%\""+q.Component+"\"%")
	}
	if q.Tag != "" {
		where = append(where, "tags LIKE ?")
		args = append(args, "%\""+q.Tag+"\"%")
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.UTC().Format(time.RFC3339Nano))
	}
	if q.Cursor != "" {
		ts, seq, err := decodeCursor(q.Cursor)
		if err != nil {
			return Page{}, err
		}
		where = append(where, "(timestamp > ? OR (timestamp = ? AND seq > ?))")
		args = append(args, ts, ts, seq)
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := "SELECT seq,op_id,timestamp,actor,from_status,to_status,COALESCE(note,''),components,tags,source FROM history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp ASC, seq ASC LIMIT ?"
	args = append(args, limit+1)

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []domain.HistoryRecord
	for rows.Next() {
		var rec domain.HistoryRecord
		var ts string
		var components, tags string
		if err := rows.Scan(&rec.Seq, &rec.OpID, &ts, &rec.Actor, &rec.FromStatus, &rec.ToStatus, &rec.Note, &components, &tags, &rec.Source); err != nil {
			return Page{}, fmt.Errorf("history: scan row: %w", err)
		}
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Page{}, fmt.Errorf("history: parse timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(components), &rec.Components); err != nil {
			return Page{}, fmt.Errorf("history: decode components: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return Page{}, fmt.Errorf("history: decode tags: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	var next string
	if len(out) > limit {
		last := out[limit-1]
		next = encodeCursor(last.Timestamp, last.Seq)
		out = out[:limit]
	}
	return Page{Records: out, NextCursor: next}, nil
}

func encodeCursor(ts time.Time, seq int64) string {
	return fmt.Sprintf("%s,%d", ts.UTC().Format(time.RFC3339Nano), seq)
}

func decodeCursor(cursor string) (string, int64, error) {
	parts := strings.SplitN(cursor, ",", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("history: malformed cursor %q", cursor)
	}
	var seq int64
	if _, err := fmt.Sscanf(parts[1], "%d", &seq); err != nil {
		return "", 0, fmt.Errorf("history: malformed cursor %q: %w", cursor, err)
	}
	return parts[0], seq, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
