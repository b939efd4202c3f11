package registry

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"courier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the registry store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store is the registry persistence API. All methods are safe for
// concurrent use; a nil *Store is a safe no-op that returns ErrClosed.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

var ErrClosed = errors.New("registry: store closed")

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("registry: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return nil
}

// ---- agents ----

const agentCols = `id, name, transport, api_id, api_hash, phone,
	COALESCE(session_token,''), enabled, connected, COALESCE(status_message,''),
	priority, max_per_hour, created_at, updated_at,
	COALESCE(last_connected_at,0), COALESCE(last_error,'')`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var (
		a         Agent
		transport string
		created   int64
		updated   int64
		lastConn  int64
	)
	err := row.Scan(&a.ID, &a.Name, &transport, &a.APIID, &a.APIHash, &a.Phone,
		&a.SessionToken, &a.Enabled, &a.Connected, &a.StatusMessage,
		&a.Priority, &a.MaxPerHour, &created, &updated, &lastConn, &a.LastError)
	if err != nil {
		return Agent{}, err
	}
	// Reject unknown transports at the boundary instead of letting them
	// reach the client factory.
	a.Transport, err = ParseTransport(transport)
	if err != nil {
		return Agent{}, err
	}
	a.CreatedAt = fromMS(created)
	a.UpdatedAt = fromMS(updated)
	a.LastConnectedAt = fromMS(lastConn)
	return a, nil
}

// Add inserts a provisioned agent and its stats row, returning the new id.
func (s *Store) Add(ctx context.Context, a Agent) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if _, err := ParseTransport(string(a.Transport)); err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	maxPerHour := a.MaxPerHour
	if maxPerHour <= 0 {
		maxPerHour = 30
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(name, transport, api_id, api_hash, phone, session_token,
			enabled, priority, max_per_hour, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.Name, string(a.Transport), a.APIID, a.APIHash, a.Phone, nullStr(a.SessionToken),
		a.Enabled, a.Priority, maxPerHour, now, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO agent_stats(agent_id, hour_start) VALUES(?, ?)`, id, now)
	return id, err
}

func (s *Store) Get(ctx context.Context, id int64) (Agent, error) {
	if err := s.ready(); err != nil {
		return Agent{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Agent{}, ErrNotFound
	}
	return a, err
}

func (s *Store) List(ctx context.Context) ([]Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queryAgents(ctx, `SELECT `+agentCols+` FROM agents ORDER BY priority DESC, id ASC`)
}

// ListEnabledWithSession returns agents eligible for connection: enabled
// and holding a stored session token, ordered priority desc then id asc.
func (s *Store) ListEnabledWithSession(ctx context.Context) ([]Agent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queryAgents(ctx,
		`SELECT `+agentCols+` FROM agents
		 WHERE enabled = 1 AND session_token IS NOT NULL AND session_token != ''
		 ORDER BY priority DESC, id ASC`)
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return s.updateAgent(ctx, id, `enabled = ?`, enabled)
}

func (s *Store) SetPriority(ctx context.Context, id int64, priority int) error {
	return s.updateAgent(ctx, id, `priority = ?`, priority)
}

func (s *Store) SetName(ctx context.Context, id int64, name string) error {
	return s.updateAgent(ctx, id, `name = ?`, name)
}

func (s *Store) SetMaxPerHour(ctx context.Context, id int64, n int) error {
	return s.updateAgent(ctx, id, `max_per_hour = ?`, n)
}

// UpdateSessionToken stores a new opaque session blob verbatim.
func (s *Store) UpdateSessionToken(ctx context.Context, id int64, token string) error {
	return s.updateAgent(ctx, id, `session_token = ?`, nullStr(token))
}

func (s *Store) updateAgent(ctx context.Context, id int64, setExpr string, val any) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET `+setExpr+`, updated_at = ? WHERE id = ?`,
		val, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateConnectionStatus writes a connection transition through to the
// registry. last_connected_at is set only on the connected edge.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id int64, connected bool, statusMsg, lastErr string) error {
	if err := s.ready(); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var res sql.Result
	var err error
	if connected {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET connected = 1, status_message = ?, last_error = ?,
				last_connected_at = ?, updated_at = ? WHERE id = ?`,
			nullStr(statusMsg), nullStr(lastErr), now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE agents SET connected = 0, status_message = ?, last_error = ?,
				updated_at = ? WHERE id = ?`,
			nullStr(statusMsg), nullStr(lastErr), now, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an agent; deliveries, stats and secret sessions cascade.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- settings ----

func (s *Store) GlobalSettings(ctx context.Context) (Settings, error) {
	if err := s.ready(); err != nil {
		return Settings{}, err
	}
	var (
		st       Settings
		retryMS  int64
		ttlMS    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, strategy, auto_reconnect, max_retries, retry_delay_ms,
			secret_session_ttl_ms FROM settings WHERE id = 1`).
		Scan(&st.Enabled, &st.Strategy, &st.AutoReconnect, &st.MaxRetries, &retryMS, &ttlMS)
	if err != nil {
		return Settings{}, err
	}
	st.RetryDelay = time.Duration(retryMS) * time.Millisecond
	st.SecretSessionTTL = time.Duration(ttlMS) * time.Millisecond
	return st, nil
}

func (s *Store) UpdateGlobalSettings(ctx context.Context, st Settings) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE settings SET enabled = ?, strategy = ?, auto_reconnect = ?,
			max_retries = ?, retry_delay_ms = ?, secret_session_ttl_ms = ?,
			updated_at = ? WHERE id = 1`,
		st.Enabled, st.Strategy, st.AutoReconnect, st.MaxRetries,
		st.RetryDelay.Milliseconds(), st.SecretSessionTTL.Milliseconds(),
		time.Now().UnixMilli())
	return err
}

// ---- deliveries + stats ----

func (s *Store) RecordDeliveryStart(ctx context.Context, agentID, userID int64, orderRef string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(agent_id, user_id, order_ref, status, created_at)
		 VALUES(?,?,?,'pending',?)`,
		agentID, userID, orderRef, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// RecordDeliveryComplete finalizes a delivery row and folds the outcome
// into the agent's durable counters, including the hour-window count.
func (s *Store) RecordDeliveryComplete(ctx context.Context, deliveryID int64, success bool, dur time.Duration, errMsg string) error {
	if err := s.ready(); err != nil {
		return err
	}
	status := "failed"
	if success {
		status = "delivered"
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var agentID int64
	err = tx.QueryRowContext(ctx,
		`SELECT agent_id FROM deliveries WHERE id = ?`, deliveryID).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, duration_ms = ?, error = ?, completed_at = ?
		 WHERE id = ?`,
		status, dur.Milliseconds(), nullStr(errMsg), now, deliveryID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agent_stats(agent_id, hour_start) VALUES(?, ?)
		 ON CONFLICT(agent_id) DO NOTHING`, agentID, now)
	if err != nil {
		return err
	}

	if success {
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_stats SET total = total + 1, succeeded = succeeded + 1,
				total_time_ms = total_time_ms + ?, hour_count = hour_count + 1,
				last_delivery_at = ? WHERE agent_id = ?`,
			dur.Milliseconds(), now, agentID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_stats SET total = total + 1, failed = failed + 1,
				hour_count = hour_count + 1, last_delivery_at = ? WHERE agent_id = ?`,
			now, agentID)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ResetHourWindow zeroes the rolling hour counter and restarts the window.
// Called by the stats tracker when a read observes an expired window.
func (s *Store) ResetHourWindow(ctx context.Context, agentID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE agent_stats SET hour_count = 0, hour_start = ? WHERE agent_id = ?`,
		time.Now().UnixMilli(), agentID)
	return err
}

func (s *Store) AgentStats(ctx context.Context, agentID int64) (AgentStats, error) {
	if err := s.ready(); err != nil {
		return AgentStats{}, err
	}
	var (
		st       AgentStats
		totalMS  int64
		lastMS   int64
		startMS  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, total, succeeded, failed, total_time_ms,
			COALESCE(last_delivery_at,0), hour_count, hour_start
		 FROM agent_stats WHERE agent_id = ?`, agentID).
		Scan(&st.AgentID, &st.Total, &st.Succeeded, &st.Failed, &totalMS,
			&lastMS, &st.HourCount, &startMS)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentStats{AgentID: agentID}, nil
	}
	if err != nil {
		return AgentStats{}, err
	}
	st.TotalTime = time.Duration(totalMS) * time.Millisecond
	st.LastDeliveryAt = fromMS(lastMS)
	st.HourStart = fromMS(startMS)
	return st, nil
}

func (s *Store) Overall(ctx context.Context) (OverallStats, error) {
	if err := s.ready(); err != nil {
		return OverallStats{}, err
	}
	var o OverallStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(enabled),0),
			COALESCE(SUM(connected),0)
		 FROM agents`).Scan(&o.Agents, &o.EnabledAgents, &o.ConnectedAgents)
	if err != nil {
		return OverallStats{}, err
	}
	var totalMS int64
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total),0), COALESCE(SUM(succeeded),0),
			COALESCE(SUM(failed),0), COALESCE(SUM(total_time_ms),0)
		 FROM agent_stats`).Scan(&o.Total, &o.Succeeded, &o.Failed, &totalMS)
	if err != nil {
		return OverallStats{}, err
	}
	if o.Succeeded > 0 {
		o.AvgDeliveryTime = time.Duration(totalMS/o.Succeeded) * time.Millisecond
	}
	since := time.Now().Add(-24 * time.Hour).UnixMilli()
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE created_at > ?`, since).Scan(&o.Last24h)
	return o, err
}

func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, user_id, order_ref, status,
			COALESCE(duration_ms,0), COALESCE(error,''), created_at, COALESCE(completed_at,0)
		 FROM deliveries ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var (
			d       DeliveryRecord
			durMS   int64
			created int64
			done    int64
		)
		if err := rows.Scan(&d.ID, &d.AgentID, &d.UserID, &d.OrderRef, &d.Status,
			&durMS, &d.Error, &created, &done); err != nil {
			return nil, err
		}
		d.Duration = time.Duration(durMS) * time.Millisecond
		d.CreatedAt = fromMS(created)
		d.CompletedAt = fromMS(done)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PruneDeliveries removes history rows older than the cutoff.
func (s *Store) PruneDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- secret sessions ----

// SaveSecretSession records the (agent, peer) -> session mapping so a
// restarted process can tell a reusable session from a missing one.
func (s *Store) SaveSecretSession(ctx context.Context, agentID, peerID, sessionID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secret_sessions(agent_id, peer_id, session_id, created_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(agent_id, peer_id) DO UPDATE SET
			session_id = excluded.session_id, created_at = excluded.created_at`,
		agentID, peerID, sessionID, time.Now().UnixMilli())
	return err
}

func (s *Store) LookupSecretSession(ctx context.Context, agentID, peerID int64) (int64, bool, error) {
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM secret_sessions WHERE agent_id = ? AND peer_id = ?`,
		agentID, peerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (s *Store) DeleteSecretSessions(ctx context.Context, agentID int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM secret_sessions WHERE agent_id = ?`, agentID)
	return err
}

// ---- helpers ----

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
