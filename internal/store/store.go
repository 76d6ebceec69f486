// Package store persists calls, call events, text messages and
// knowledge-base documents in PostgreSQL via pgx.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callyx-ai/callyx/internal/call"
	"github.com/callyx-ai/callyx/internal/kb"
	"github.com/callyx-ai/callyx/pkg/audio"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close releases the pool.
func (db *DB) Close() { db.pool.Close() }

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error { return db.pool.Ping(ctx) }

// Migrate creates the schema if it does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS calls (
	id                UUID PRIMARY KEY,
	direction         TEXT NOT NULL,
	audio_format      TEXT NOT NULL,
	provider_call_id  TEXT NOT NULL DEFAULT '',
	from_number       TEXT NOT NULL DEFAULT '',
	to_number         TEXT NOT NULL DEFAULT '',
	agent_config      JSONB NOT NULL DEFAULT '{}',
	input             JSONB NOT NULL DEFAULT '{}',
	termination_cause TEXT,
	duration_seconds  INTEGER,
	log_storage_path  TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS call_events (
	id               BIGSERIAL PRIMARY KEY,
	call_id          UUID NOT NULL REFERENCES calls(id),
	status           TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS text_messages (
	id                  UUID PRIMARY KEY,
	call_id             UUID NOT NULL REFERENCES calls(id),
	from_number         TEXT NOT NULL,
	to_number           TEXT NOT NULL,
	body                TEXT NOT NULL,
	provider_message_id TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id                UUID PRIMARY KEY,
	knowledge_base_id UUID NOT NULL,
	name              TEXT NOT NULL,
	content           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_kb_idx ON documents (knowledge_base_id);
`
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// agentConfig is the JSON shape of the calls.agent_config column.
type agentConfig struct {
	PromptTemplate        string                `json:"prompt_template"`
	Voice                 string                `json:"voice"`
	EnabledTools          []string              `json:"enabled_tools"`
	KnowledgeBaseIDs      []uuid.UUID           `json:"knowledge_base_ids"`
	TransferTargets       []call.TransferTarget `json:"transfer_targets"`
	TextMessageFrom       string                `json:"text_message_from"`
	TextMessageBody       string                `json:"text_message_body"`
	HangUpTone            bool                  `json:"hang_up_tone"`
	StartSpeakingBufferMs int                   `json:"start_speaking_buffer_ms"`
}

// FetchCall loads everything needed to run the call with the given id.
func (db *DB) FetchCall(ctx context.Context, id uuid.UUID) (call.Spec, error) {
	var (
		spec      call.Spec
		direction string
		format    string
		agentRaw  []byte
		inputRaw  []byte
	)
	err := db.pool.QueryRow(ctx, `
		SELECT direction, audio_format, provider_call_id, from_number, to_number,
		       agent_config, input
		FROM calls WHERE id = $1`, id).
		Scan(&direction, &format, &spec.ProviderCallID, &spec.FromNumber,
			&spec.ToNumber, &agentRaw, &inputRaw)
	if err != nil {
		return call.Spec{}, fmt.Errorf("store: fetch call %s: %w", id, err)
	}

	var agent agentConfig
	if err := json.Unmarshal(agentRaw, &agent); err != nil {
		return call.Spec{}, fmt.Errorf("store: decode agent config for %s: %w", id, err)
	}
	input := map[string]string{}
	if len(inputRaw) > 0 {
		if err := json.Unmarshal(inputRaw, &input); err != nil {
			return call.Spec{}, fmt.Errorf("store: decode input for %s: %w", id, err)
		}
	}

	spec.ID = id
	spec.Direction = call.Direction(direction)
	spec.Format = audio.Format(format)
	spec.PromptTemplate = agent.PromptTemplate
	spec.Input = input
	spec.Voice = agent.Voice
	spec.EnabledTools = agent.EnabledTools
	spec.KnowledgeBaseIDs = agent.KnowledgeBaseIDs
	spec.TransferTargets = agent.TransferTargets
	spec.TextMessageFrom = agent.TextMessageFrom
	spec.TextMessageBody = agent.TextMessageBody
	spec.HangUpTone = agent.HangUpTone
	spec.StartSpeakingBufferMs = agent.StartSpeakingBufferMs
	if !spec.Format.Valid() {
		return call.Spec{}, fmt.Errorf("store: call %s has unknown audio format %q", id, format)
	}
	return spec, nil
}

// UpdateCallRecord stores the call's final disposition. Implements
// call.RecordStore.
func (db *DB) UpdateCallRecord(ctx context.Context, id string, storagePath string, cause call.TerminationCause, durationSec int) error {
	_, err := db.pool.Exec(ctx, `
		UPDATE calls
		SET termination_cause = $2, log_storage_path = $3,
		    duration_seconds = $4, ended_at = $5
		WHERE id = $1`,
		id, string(cause), storagePath, durationSec, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: update call %s: %w", id, err)
	}
	return nil
}

// InsertCallEvent appends a lifecycle event row for a call.
func (db *DB) InsertCallEvent(ctx context.Context, callID uuid.UUID, status string, durationSec int) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO call_events (call_id, status, duration_seconds)
		VALUES ($1, $2, $3)`,
		callID, status, durationSec)
	if err != nil {
		return fmt.Errorf("store: insert call event for %s: %w", callID, err)
	}
	return nil
}

// InsertTextMessage records an outbound SMS tied to a call.
func (db *DB) InsertTextMessage(ctx context.Context, callID uuid.UUID, from, to, body, providerID string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.pool.Exec(ctx, `
		INSERT INTO text_messages (id, call_id, from_number, to_number, body, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		id, callID, from, to, body, providerID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: insert text message for %s: %w", callID, err)
	}
	return id, nil
}

// FetchDocuments implements kb.DocumentSource.
func (db *DB) FetchDocuments(ctx context.Context, kbIDs []uuid.UUID) ([]kb.Document, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, name, content FROM documents
		WHERE knowledge_base_id = ANY($1)`, kbIDs)
	if err != nil {
		return nil, fmt.Errorf("store: fetch documents: %w", err)
	}
	defer rows.Close()

	var docs []kb.Document
	for rows.Next() {
		var d kb.Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Text); err != nil {
			return nil, fmt.Errorf("store: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate documents: %w", err)
	}
	return docs, nil
}

var _ call.RecordStore = (*DB)(nil)
var _ kb.DocumentSource = (*DB)(nil)
