package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pingsantohq/healthagent/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS endpoint_identities (
    id           TEXT PRIMARY KEY,
    address      TEXT NOT NULL,
    monitor_type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS collector_config (
    id         BOOLEAN PRIMARY KEY DEFAULT TRUE,
    payload    JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
    check_time       TIMESTAMPTZ NOT NULL,
    response_time_ns BIGINT NOT NULL,
    details          JSONB,
    received_at      TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases database resources.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) EndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, address, monitor_type FROM endpoint_identities ORDER BY id`)
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

func (p *PostgresStore) ReplaceEndpointIdentities(ctx context.Context, identities []types.EndpointIdentity) error {
	if err := validateIdentities(identities); err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM endpoint_identities`); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, identity := range identities {
		batch.Queue(`INSERT INTO endpoint_identities (id, address, monitor_type) VALUES ($1,$2,$3)`,
			identity.ID, identity.Address, identity.MonitorType)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert identities: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) UpsertEndpointIdentity(ctx context.Context, identity types.EndpointIdentity) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	const upsert = `
INSERT INTO endpoint_identities (id, address, monitor_type) VALUES ($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET
    address = EXCLUDED.address,
    monitor_type = EXCLUDED.monitor_type;
`
	_, err := p.pool.Exec(ctx, upsert, identity.ID, identity.Address, identity.MonitorType)
	return err
}

func (p *PostgresStore) DeleteEndpointIdentity(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM endpoint_identities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

func (p *PostgresStore) Config(ctx context.Context) (types.CollectorConfig, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM collector_config WHERE id = TRUE`).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultConfig(), nil
		}
		return types.CollectorConfig{}, err
	}
	var cfg types.CollectorConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return types.CollectorConfig{}, fmt.Errorf("decode stored config: %w", err)
	}
	return cfg, nil
}

func (p *PostgresStore) UpdateConfig(ctx context.Context, cfg types.CollectorConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	const upsert = `
INSERT INTO collector_config (id, payload, updated_at) VALUES (TRUE, $1, NOW())
ON CONFLICT (id) DO UPDATE SET
    payload = EXCLUDED.payload,
    updated_at = NOW();
`
	_, err = p.pool.Exec(ctx, upsert, payload)
	return err
}

func (p *PostgresStore) RegisterMonitorTypes(ctx context.Context, agentID string, monitorTypes []string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id required")
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM agent_monitor_types WHERE agent_id = $1`, agentID); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, t := range normalizeMonitorTypes(monitorTypes) {
		batch.Queue(`INSERT INTO agent_monitor_types (agent_id, monitor_type) VALUES ($1,$2)`, agentID, t)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert monitor types: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) MonitorTypes(ctx context.Context, agentID string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT monitor_type FROM agent_monitor_types WHERE agent_id = $1 ORDER BY monitor_type`, agentID)
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

func (p *PostgresStore) RecordHealthUpdates(ctx context.Context, agentID, batchID string, receivedAt time.Time, updates []types.HealthUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	const upsert = `
INSERT INTO endpoint_health (
    endpoint_id, agent_id, batch_id, status, check_time,
    response_time_ns, details, received_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (endpoint_id) DO UPDATE SET
    agent_id = EXCLUDED.agent_id,
    batch_id = EXCLUDED.batch_id,
    status = EXCLUDED.status,
    check_time = EXCLUDED.check_time,
    response_time_ns = EXCLUDED.response_time_ns,
    details = EXCLUDED.details,
    received_at = EXCLUDED.received_at
WHERE endpoint_health.check_time <= EXCLUDED.check_time;
`
	batch := &pgx.Batch{}
	for _, u := range updates {
		details, err := marshalDetails(u.Outcome.Details)
		if err != nil {
			return err
		}
		batch.Queue(upsert,
			u.EndpointID,
			agentID,
			nullString(batchID),
			string(u.Outcome.Status),
			u.CheckTimeUTC.UTC(),
			int64(u.Outcome.ResponseTime),
			details,
			receivedAt.UTC(),
		)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record health updates: %w", err)
	}
	return nil
}

func (p *PostgresStore) LatestHealth(ctx context.Context) ([]HealthRecord, error) {
	const query = `
SELECT endpoint_id, agent_id, COALESCE(batch_id, ''), status, check_time,
       response_time_ns, details, received_at
  FROM endpoint_health
 ORDER BY endpoint_id;
`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []HealthRecord{}
	for rows.Next() {
		var rec HealthRecord
		var status string
		var responseNS int64
		var details []byte
		if err := rows.Scan(&rec.Update.EndpointID, &rec.AgentID, &rec.BatchID, &status,
			&rec.Update.CheckTimeUTC, &responseNS, &details, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.Update.Outcome = types.HealthOutcome{
			Status:       types.HealthStatus(status),
			ResponseTime: time.Duration(responseNS),
			Details:      unmarshalDetails(details),
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func marshalDetails(details map[string]string) (any, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return b, nil
}

func unmarshalDetails(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var details map[string]string
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil
	}
	return details
}

func nullString(val string) any {
	if strings.TrimSpace(val) == "" {
		return nil
	}
	return val
}
