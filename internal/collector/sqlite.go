package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pingsantohq/healthagent/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS endpoint_identities (
    id           TEXT PRIMARY KEY,
    address      TEXT NOT NULL,
    monitor_type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS collector_config (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    payload    TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_monitor_types (
    agent_id     TEXT NOT NULL,
    monitor_type TEXT NOT NULL,
    PRIMARY KEY (agent_id, monitor_type)
);
CREATE TABLE IF NOT EXISTS endpoint_health (
    endpoint_id      TEXT PRIMARY KEY,
    agent_id         TEXT NOT NULL,
    batch_id         TEXT,
    status           TEXT NOT NULL,
    check_time_ns    INTEGER NOT NULL,
    response_time_ns INTEGER NOT NULL,
    details          TEXT,
    received_at_ns   INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite file. Times are kept as
// unix nanoseconds so ordering comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, monitor_type FROM endpoint_identities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := []types.EndpointIdentity{}
	for rows.Next() {
		var identity types.EndpointIdentity
		if err := rows.Scan(&identity.ID, &identity.Address, &identity.MonitorType); err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

func (s *SQLiteStore) ReplaceEndpointIdentities(ctx context.Context, identities []types.EndpointIdentity) error {
	if err := validateIdentities(identities); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM endpoint_identities`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO endpoint_identities (id, address, monitor_type) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for _, identity := range identities {
		if _, err := stmt.ExecContext(ctx, identity.ID, identity.Address, identity.MonitorType); err != nil {
			return fmt.Errorf("insert identity %s: %w", identity.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpsertEndpointIdentity(ctx context.Context, identity types.EndpointIdentity) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO endpoint_identities (id, address, monitor_type) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    address = excluded.address,
    monitor_type = excluded.monitor_type`,
		identity.ID, identity.Address, identity.MonitorType)
	return err
}

func (s *SQLiteStore) DeleteEndpointIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoint_identities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func (s *SQLiteStore) Config(ctx context.Context) (types.CollectorConfig, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM collector_config WHERE id = 1`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DefaultConfig(), nil
		}
		return types.CollectorConfig{}, err
	}
	var cfg types.CollectorConfig
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return types.CollectorConfig{}, fmt.Errorf("decode stored config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) UpdateConfig(ctx context.Context, cfg types.CollectorConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO collector_config (id, payload, updated_at) VALUES (1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    payload = excluded.payload,
    updated_at = excluded.updated_at`,
		string(payload), time.Now().UnixNano())
	return err
}

func (s *SQLiteStore) RegisterMonitorTypes(ctx context.Context, agentID string, monitorTypes []string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_monitor_types WHERE agent_id = ?`, agentID); err != nil {
		return err
	}
	for _, t := range normalizeMonitorTypes(monitorTypes) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO agent_monitor_types (agent_id, monitor_type) VALUES (?, ?)`, agentID, t); err != nil {
			return fmt.Errorf("insert monitor type %s: %w", t, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) MonitorTypes(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT monitor_type FROM agent_monitor_types WHERE agent_id = ? ORDER BY monitor_type`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordHealthUpdates(ctx context.Context, agentID, batchID string, receivedAt time.Time, updates []types.HealthUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO endpoint_health (
    endpoint_id, agent_id, batch_id, status, check_time_ns,
    response_time_ns, details, received_at_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (endpoint_id) DO UPDATE SET
    agent_id = excluded.agent_id,
    batch_id = excluded.batch_id,
    status = excluded.status,
    check_time_ns = excluded.check_time_ns,
    response_time_ns = excluded.response_time_ns,
    details = excluded.details,
    received_at_ns = excluded.received_at_ns
WHERE endpoint_health.check_time_ns <= excluded.check_time_ns`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		var details any
		if len(u.Outcome.Details) > 0 {
			b, err := json.Marshal(u.Outcome.Details)
			if err != nil {
				return fmt.Errorf("marshal details: %w", err)
			}
			details = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			u.EndpointID,
			agentID,
			nullString(batchID),
			string(u.Outcome.Status),
			u.CheckTimeUTC.UnixNano(),
			int64(u.Outcome.ResponseTime),
			details,
			receivedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("record update for %s: %w", u.EndpointID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LatestHealth(ctx context.Context) ([]HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT endpoint_id, agent_id, COALESCE(batch_id, ''), status, check_time_ns,
       response_time_ns, COALESCE(details, ''), received_at_ns
  FROM endpoint_health
 ORDER BY endpoint_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []HealthRecord{}
	for rows.Next() {
		var rec HealthRecord
		var status, details string
		var checkNS, responseNS, receivedNS int64
		if err := rows.Scan(&rec.Update.EndpointID, &rec.AgentID, &rec.BatchID, &status,
			&checkNS, &responseNS, &details, &receivedNS); err != nil {
			return nil, err
		}
		rec.Update.CheckTimeUTC = time.Unix(0, checkNS).UTC()
		rec.ReceivedAt = time.Unix(0, receivedNS).UTC()
		rec.Update.Outcome = types.HealthOutcome{
			Status:       types.HealthStatus(status),
			ResponseTime: time.Duration(responseNS),
			Details:      unmarshalDetails([]byte(details)),
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
