package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"convoflow/engine/pkg/models"
)

// Schema creates the tables the engine needs. Applied by cmd/seed and by
// the integration tests; production deployments run it as a migration.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	version    INT NOT NULL,
	nodes      JSONB NOT NULL,
	edges      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL,
	workflow_id      TEXT NOT NULL REFERENCES workflows(id),
	channel          TEXT NOT NULL,
	address          TEXT NOT NULL,
	current_node_id  TEXT NOT NULL,
	vars             JSONB NOT NULL DEFAULT '{}',
	history          JSONB NOT NULL DEFAULT '[]',
	status           TEXT NOT NULL,
	wait_condition   TEXT NOT NULL DEFAULT '',
	deadline         TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions (status);
CREATE TABLE IF NOT EXISTS payment_intents (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	account_id       TEXT NOT NULL,
	tier             TEXT NOT NULL,
	amount_minor     BIGINT NOT NULL,
	display_amount   DOUBLE PRECISION NOT NULL,
	display_currency TEXT NOT NULL,
	reference_code   TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	confirmed_text   TEXT
);
CREATE INDEX IF NOT EXISTS payment_intents_account_idx ON payment_intents (account_id, status);
CREATE INDEX IF NOT EXISTS payment_intents_expiry_idx ON payment_intents (status, expires_at);
CREATE TABLE IF NOT EXISTS quota_records (
	account_id TEXT NOT NULL,
	usage_date TEXT NOT NULL,
	ai_minutes BIGINT NOT NULL DEFAULT 0,
	messages   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (account_id, usage_date)
);
`

// PostgresStore is a PostgreSQL implementation of the Repository interface.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies the engine schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// CreateWorkflow persists a new workflow version.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, workflow *models.Workflow) error {
	nodes, err := json.Marshal(workflow.Nodes)
	if err != nil {
		return fmt.Errorf("failed to encode nodes: %w", err)
	}
	edges, err := json.Marshal(workflow.Edges)
	if err != nil {
		return fmt.Errorf("failed to encode edges: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO workflows (id, name, version, nodes, edges, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		workflow.ID, workflow.Name, workflow.Version, nodes, edges, workflow.CreatedAt)
	return err
}

// GetWorkflow retrieves a workflow version by its ID.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	var w models.Workflow
	var nodes, edges []byte
	err := s.db.QueryRow(ctx,
		"SELECT id, name, version, nodes, edges, created_at FROM workflows WHERE id = $1", id).
		Scan(&w.ID, &w.Name, &w.Version, &nodes, &edges, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(nodes, &w.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &w.Edges); err != nil {
		return nil, fmt.Errorf("failed to decode edges: %w", err)
	}
	return &w, nil
}

// ListWorkflows returns all workflow versions.
func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.Query(ctx, "SELECT id FROM workflows ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var workflows []*models.Workflow
	for _, id := range ids {
		w, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, w)
	}
	return workflows, nil
}

// CreateSession persists a new session.
func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	vars, history, err := encodeSessionState(session)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO sessions (id, account_id, workflow_id, channel, address, current_node_id, vars, history, status, wait_condition, deadline, created_at, last_activity_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		session.ID, session.AccountID, session.WorkflowID, session.Channel, session.Address,
		session.CurrentNodeID, vars, history, session.Status, session.WaitCondition,
		session.Deadline, session.CreatedAt, session.LastActivityAt)
	return err
}

// GetSession retrieves a session by its ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, account_id, workflow_id, channel, address, current_node_id, vars, history, status, wait_condition, deadline, created_at, last_activity_at
		 FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// UpdateSession persists the session's current state.
func (s *PostgresStore) UpdateSession(ctx context.Context, session *models.Session) error {
	vars, history, err := encodeSessionState(session)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions SET current_node_id = $2, vars = $3, history = $4, status = $5, wait_condition = $6, deadline = $7, last_activity_at = $8
		 WHERE id = $1`,
		session.ID, session.CurrentNodeID, vars, history, session.Status,
		session.WaitCondition, session.Deadline, session.LastActivityAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessionsByStatus returns sessions in any of the given statuses.
func (s *PostgresStore) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]*models.Session, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, workflow_id, channel, address, current_node_id, vars, history, status, wait_condition, deadline, created_at, last_activity_at
		 FROM sessions WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func encodeSessionState(session *models.Session) (vars, history []byte, err error) {
	if session.Vars == nil {
		vars = []byte("{}")
	} else if vars, err = json.Marshal(session.Vars); err != nil {
		return nil, nil, fmt.Errorf("failed to encode vars: %w", err)
	}
	if session.History == nil {
		history = []byte("[]")
	} else if history, err = json.Marshal(session.History); err != nil {
		return nil, nil, fmt.Errorf("failed to encode history: %w", err)
	}
	return vars, history, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var vars, history []byte
	err := row.Scan(&sess.ID, &sess.AccountID, &sess.WorkflowID, &sess.Channel, &sess.Address,
		&sess.CurrentNodeID, &vars, &history, &sess.Status, &sess.WaitCondition,
		&sess.Deadline, &sess.CreatedAt, &sess.LastActivityAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vars, &sess.Vars); err != nil {
		return nil, fmt.Errorf("failed to decode vars: %w", err)
	}
	if err := json.Unmarshal(history, &sess.History); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return &sess, nil
}

// CreateIntent persists a new payment intent.
func (s *PostgresStore) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_intents (id, session_id, account_id, tier, amount_minor, display_amount, display_currency, reference_code, status, created_at, expires_at, confirmed_text)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		intent.ID, intent.SessionID, intent.AccountID, intent.Tier, intent.AmountMinor,
		intent.DisplayAmount, intent.DisplayCurrency, intent.ReferenceCode, intent.Status,
		intent.CreatedAt, intent.ExpiresAt, intent.ConfirmedText)
	return err
}

const intentColumns = "id, session_id, account_id, tier, amount_minor, display_amount, display_currency, reference_code, status, created_at, expires_at, confirmed_text"

// GetIntent retrieves a payment intent by its ID.
func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	row := s.db.QueryRow(ctx, "SELECT "+intentColumns+" FROM payment_intents WHERE id = $1", id)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return intent, err
}

// PendingIntentBySession returns the session's pending intent.
func (s *PostgresStore) PendingIntentBySession(ctx context.Context, sessionID string) (*models.PaymentIntent, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE session_id = $1 AND status = $2",
		sessionID, models.IntentPending)
	intent, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return intent, err
}

// PendingIntentsByAccount returns unexpired pending intents for the account.
func (s *PostgresStore) PendingIntentsByAccount(ctx context.Context, accountID string, now time.Time) ([]*models.PaymentIntent, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE account_id = $1 AND status = $2 AND expires_at > $3 ORDER BY created_at",
		accountID, models.IntentPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntents(rows)
}

// PendingIntentsExpiredBefore returns pending intents past their expiry.
func (s *PostgresStore) PendingIntentsExpiredBefore(ctx context.Context, now time.Time) ([]*models.PaymentIntent, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+intentColumns+" FROM payment_intents WHERE status = $1 AND expires_at <= $2 ORDER BY expires_at",
		models.IntentPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntents(rows)
}

// ReferenceCodeInUse reports whether an active intent holds the code.
func (s *PostgresStore) ReferenceCodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM payment_intents WHERE reference_code = $1 AND status = $2)",
		code, models.IntentPending).Scan(&exists)
	return exists, err
}

// TransitionIntent moves an intent between statuses. The status guard in
// the WHERE clause keeps terminal states sticky under concurrent
// confirmation and expiry.
func (s *PostgresStore) TransitionIntent(ctx context.Context, id string, from, to models.IntentStatus, confirmedText *string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE payment_intents SET status = $3, confirmed_text = COALESCE($4, confirmed_text) WHERE id = $1 AND status = $2",
		id, from, to, confirmedText)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanIntent(row pgx.Row) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := row.Scan(&intent.ID, &intent.SessionID, &intent.AccountID, &intent.Tier,
		&intent.AmountMinor, &intent.DisplayAmount, &intent.DisplayCurrency,
		&intent.ReferenceCode, &intent.Status, &intent.CreatedAt, &intent.ExpiresAt,
		&intent.ConfirmedText)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func scanIntents(rows pgx.Rows) ([]*models.PaymentIntent, error) {
	var intents []*models.PaymentIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

// ChargeIfAllowed atomically increments the account's daily counter unless
// the limit would be exceeded. The ceiling check runs inside the upsert so
// concurrent charges for the same account and date cannot race past it.
func (s *PostgresStore) ChargeIfAllowed(ctx context.Context, accountID, usageDate string, dim models.QuotaDimension, amount int64, limit models.Limit) (bool, int64, error) {
	if !limit.Allows(0, amount) {
		return false, 0, nil
	}
	var insertAI, insertMsg int64
	var query string
	if dim == models.QuotaAIMinutes {
		insertAI = amount
		query = `INSERT INTO quota_records (account_id, usage_date, ai_minutes, messages)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, usage_date) DO UPDATE SET ai_minutes = quota_records.ai_minutes + $5
			WHERE $6 OR quota_records.ai_minutes + $5 <= $7
			RETURNING ai_minutes`
	} else {
		insertMsg = amount
		query = `INSERT INTO quota_records (account_id, usage_date, ai_minutes, messages)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, usage_date) DO UPDATE SET messages = quota_records.messages + $5
			WHERE $6 OR quota_records.messages + $5 <= $7
			RETURNING messages`
	}
	var total int64
	err := s.db.QueryRow(ctx, query,
		accountID, usageDate, insertAI, insertMsg, amount, limit.Unlimited, limit.Max).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	return true, total, nil
}

// GetQuota retrieves the account's record for the usage date.
func (s *PostgresStore) GetQuota(ctx context.Context, accountID, usageDate string) (*models.QuotaRecord, error) {
	rec := &models.QuotaRecord{AccountID: accountID, UsageDate: usageDate}
	err := s.db.QueryRow(ctx,
		"SELECT ai_minutes, messages FROM quota_records WHERE account_id = $1 AND usage_date = $2",
		accountID, usageDate).Scan(&rec.AIMinutes, &rec.Messages)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
