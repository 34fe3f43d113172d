package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/phishguard/phishguard/internal/store"
	"github.com/phishguard/phishguard/pkg/types"
)

// Store keeps service state in a kv table and every decision in a decisions
// table. It implements store.KV, store.DecisionSink and store.DecisionQuerier.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL,
			updated_ts_unix_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			decision_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			operation_id TEXT,
			source TEXT NOT NULL,
			url TEXT NOT NULL,
			hostname TEXT,
			action TEXT NOT NULL,
			risk_score INTEGER NOT NULL,
			method TEXT NOT NULL,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_ts ON decisions(ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_action_ts ON decisions(action, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_hostname ON decisions(hostname);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string, v any) (bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM kv WHERE key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", store.ErrPersistence, key, err)
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return true, fmt.Errorf("%w: decode %s: %v", store.ErrPersistence, key, err)
	}
	return true, nil
}

func (s *Store) Put(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", store.ErrPersistence, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value_json, updated_ts_unix_ns) VALUES(?,?,?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_ts_unix_ns = excluded.updated_ts_unix_ns;`,
		key, string(b), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", store.ErrPersistence, key, err)
	}
	return nil
}

func (s *Store) AppendDecision(ctx context.Context, ev types.DecisionEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("decision missing id")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions(
			decision_id, ts_unix_ns, operation_id, source, url, hostname,
			action, risk_score, method, payload_json
		) VALUES(?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(decision_id) DO NOTHING;`,
		ev.ID,
		ev.Timestamp.UTC().UnixNano(),
		nullable(ev.OperationID),
		ev.Source,
		ev.URL,
		nullable(ev.Hostname),
		ev.Action,
		ev.RiskScore,
		ev.Method,
		string(b),
	)
	if err != nil {
		return fmt.Errorf("%w: insert decision: %v", store.ErrPersistence, err)
	}
	return nil
}

func (s *Store) QueryDecisions(ctx context.Context, q types.DecisionQuery) ([]types.DecisionEvent, error) {
	where := []string{"1=1"}
	var args []any

	if len(q.Actions) > 0 {
		where = append(where, "action IN ("+placeholders(len(q.Actions))+")")
		for _, a := range q.Actions {
			args = append(args, a)
		}
	}
	if len(q.Methods) > 0 {
		where = append(where, "method IN ("+placeholders(len(q.Methods))+")")
		for _, m := range q.Methods {
			args = append(args, m)
		}
	}
	if q.HostLike != "" {
		where = append(where, "hostname LIKE ?")
		args = append(args, q.HostLike)
	}
	if q.MinScore > 0 {
		where = append(where, "risk_score >= ?")
		args = append(args, q.MinScore)
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload_json FROM decisions WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []types.DecisionEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var ev types.DecisionEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query decisions rows: %w", err)
	}
	return out, nil
}

// PruneDecisions deletes decisions recorded before cutoff.
func (s *Store) PruneDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE ts_unix_ns < ?`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: prune decisions: %v", store.ErrPersistence, err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
