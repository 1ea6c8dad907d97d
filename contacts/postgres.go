package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry is an alternate Contact Registry backed by PostgreSQL,
// for deployments that run multiple node processes against shared state
// instead of a single data directory.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

const contactsSchema = `
CREATE TABLE IF NOT EXISTS contacts (
	agent_id          TEXT PRIMARY KEY,
	human_name        TEXT NOT NULL DEFAULT '',
	endpoint          TEXT NOT NULL DEFAULT '',
	ed_public_key     TEXT NOT NULL DEFAULT '',
	x_public_key      TEXT NOT NULL DEFAULT '',
	trust_level       TEXT NOT NULL DEFAULT 'none',
	blocked           BOOLEAN NOT NULL DEFAULT FALSE,
	capabilities      JSONB NOT NULL DEFAULT '[]',
	timezone          TEXT NOT NULL DEFAULT '',
	last_seen         TIMESTAMPTZ NOT NULL DEFAULT now(),
	previous_ed_keys  JSONB NOT NULL DEFAULT '[]'
);
`

// OpenPostgres connects to dsn and ensures the contacts table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect contacts store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping contacts store: %w", err)
	}
	if _, err := pool.Exec(ctx, contactsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create contacts schema: %w", err)
	}
	return &PostgresRegistry{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresRegistry) Close() {
	p.pool.Close()
}

// Upsert merges u into the contact row for agentID, creating it if absent.
func (p *PostgresRegistry) Upsert(ctx context.Context, agentID string, u Update) (*Contact, error) {
	caps, err := json.Marshal(u.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO contacts (agent_id, human_name, endpoint, ed_public_key, x_public_key, capabilities, timezone, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (agent_id) DO UPDATE SET
			human_name    = CASE WHEN EXCLUDED.human_name    = '' THEN contacts.human_name    ELSE EXCLUDED.human_name    END,
			endpoint      = CASE WHEN EXCLUDED.endpoint      = '' THEN contacts.endpoint      ELSE EXCLUDED.endpoint      END,
			ed_public_key = CASE WHEN EXCLUDED.ed_public_key = '' THEN contacts.ed_public_key ELSE EXCLUDED.ed_public_key END,
			x_public_key  = CASE WHEN EXCLUDED.x_public_key  = '' THEN contacts.x_public_key  ELSE EXCLUDED.x_public_key  END,
			capabilities  = CASE WHEN EXCLUDED.capabilities::text = 'null' THEN contacts.capabilities ELSE EXCLUDED.capabilities END,
			timezone      = CASE WHEN EXCLUDED.timezone      = '' THEN contacts.timezone      ELSE EXCLUDED.timezone      END,
			last_seen     = now()
		RETURNING agent_id, human_name, endpoint, ed_public_key, x_public_key, trust_level, blocked, capabilities, timezone, last_seen, previous_ed_keys
	`

	return p.scanContact(p.pool.QueryRow(ctx, query, agentID, u.HumanName, u.Endpoint, u.EdPublicKey, u.XPublicKey, caps, u.Timezone))
}

// RotateKey archives the contact's current Ed25519 public key and installs newEdPub.
func (p *PostgresRegistry) RotateKey(ctx context.Context, agentID, newEdPub string, maxPrevious int) error {
	c, err := p.Get(ctx, agentID)
	if err != nil {
		return err
	}

	previous := c.PreviousEdKeys
	if c.EdPublicKey != "" {
		previous = append([]string{c.EdPublicKey}, previous...)
		if len(previous) > maxPrevious {
			previous = previous[:maxPrevious]
		}
	}
	prevJSON, err := json.Marshal(previous)
	if err != nil {
		return fmt.Errorf("marshal previous keys: %w", err)
	}

	_, err = p.pool.Exec(ctx, `UPDATE contacts SET ed_public_key = $1, previous_ed_keys = $2 WHERE agent_id = $3`,
		newEdPub, prevJSON, agentID)
	return err
}

// SetTrust sets the trust level for agentID, rejecting unrecognized levels.
func (p *PostgresRegistry) SetTrust(ctx context.Context, agentID string, level TrustLevel) error {
	if !level.IsValid() {
		return ErrInvalidTrustLevel
	}
	tag, err := p.pool.Exec(ctx, `UPDATE contacts SET trust_level = $1 WHERE agent_id = $2`, string(level), agentID)
	if err != nil {
		return fmt.Errorf("set trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRegistry) setBlocked(ctx context.Context, agentID string, blocked bool) error {
	tag, err := p.pool.Exec(ctx, `UPDATE contacts SET blocked = $1 WHERE agent_id = $2`, blocked, agentID)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Block marks agentID as blocked.
func (p *PostgresRegistry) Block(ctx context.Context, agentID string) error { return p.setBlocked(ctx, agentID, true) }

// Unblock clears the blocked flag for agentID.
func (p *PostgresRegistry) Unblock(ctx context.Context, agentID string) error {
	return p.setBlocked(ctx, agentID, false)
}

// IsBlocked reports whether agentID is blocked. Unknown agents are never blocked.
func (p *PostgresRegistry) IsBlocked(ctx context.Context, agentID string) bool {
	var blocked bool
	err := p.pool.QueryRow(ctx, `SELECT blocked FROM contacts WHERE agent_id = $1`, agentID).Scan(&blocked)
	return err == nil && blocked
}

// Get returns the contact for agentID.
func (p *PostgresRegistry) Get(ctx context.Context, agentID string) (*Contact, error) {
	query := `
		SELECT agent_id, human_name, endpoint, ed_public_key, x_public_key, trust_level, blocked, capabilities, timezone, last_seen, previous_ed_keys
		FROM contacts WHERE agent_id = $1
	`
	return p.scanContact(p.pool.QueryRow(ctx, query, agentID))
}

// List returns all contacts ordered by agent id.
func (p *PostgresRegistry) List(ctx context.Context) ([]*Contact, error) {
	query := `
		SELECT agent_id, human_name, endpoint, ed_public_key, x_public_key, trust_level, blocked, capabilities, timezone, last_seen, previous_ed_keys
		FROM contacts ORDER BY agent_id
	`
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []*Contact
	for rows.Next() {
		c, err := p.scanContactRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (p *PostgresRegistry) scanContact(row pgx.Row) (*Contact, error) {
	return p.scanContactRow(row)
}

func (p *PostgresRegistry) scanContactRow(row rowScanner) (*Contact, error) {
	var (
		c           Contact
		capsJSON    []byte
		previousRaw []byte
		lastSeen    time.Time
	)

	err := row.Scan(&c.AgentID, &c.HumanName, &c.Endpoint, &c.EdPublicKey, &c.XPublicKey,
		&c.TrustLevel, &c.Blocked, &capsJSON, &c.Timezone, &lastSeen, &previousRaw)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}

	c.LastSeen = lastSeen
	if len(capsJSON) > 0 {
		_ = json.Unmarshal(capsJSON, &c.Capabilities)
	}
	if len(previousRaw) > 0 {
		_ = json.Unmarshal(previousRaw, &c.PreviousEdKeys)
	}
	return &c, nil
}
