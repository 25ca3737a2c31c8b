package db

import "fmt"

// schemaStatements returns the idempotent DDL for the control plane. The
// vector column dimension is fixed at deployment time; writes with a
// different dimension are rejected before they reach Postgres.
func schemaStatements(embeddingDim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id         uuid PRIMARY KEY,
			name       text NOT NULL,
			created_by text NOT NULL DEFAULT '',
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS identities (
			id              uuid PRIMARY KEY,
			external_id     text NOT NULL UNIQUE,
			role            text NOT NULL DEFAULT 'user',
			claims          jsonb NOT NULL DEFAULT '{}',
			is_active       boolean NOT NULL DEFAULT true,
			tenant_id       uuid REFERENCES tenants(id) ON DELETE CASCADE,
			sso_provider    text,
			sso_external_id text,
			created_at      timestamptz NOT NULL DEFAULT now(),
			updated_at      timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS identities_sso_uq
			ON identities (sso_provider, sso_external_id)
			WHERE sso_provider IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id           uuid PRIMARY KEY,
			name         text NOT NULL,
			key_hash     text NOT NULL UNIQUE,
			identity_id  uuid NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			scopes       text[] NOT NULL DEFAULT '{}',
			is_active    boolean NOT NULL DEFAULT true,
			expires_at   timestamptz,
			last_used_at timestamptz,
			tenant_id    uuid REFERENCES tenants(id) ON DELETE CASCADE,
			created_at   timestamptz NOT NULL DEFAULT now(),
			updated_at   timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			id                 uuid PRIMARY KEY,
			identity_id        uuid NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			refresh_token_hash text NOT NULL UNIQUE,
			device_info        text NOT NULL DEFAULT '',
			ip                 text NOT NULL DEFAULT '',
			user_agent         text NOT NULL DEFAULT '',
			is_active          boolean NOT NULL DEFAULT true,
			expires_at         timestamptz NOT NULL,
			last_used_at       timestamptz,
			tenant_id          uuid REFERENCES tenants(id) ON DELETE CASCADE,
			created_at         timestamptz NOT NULL DEFAULT now(),
			updated_at         timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_identity_idx ON sessions (identity_id)`,

		`CREATE TABLE IF NOT EXISTS invitations (
			id          uuid PRIMARY KEY,
			email       text NOT NULL,
			role        text NOT NULL DEFAULT 'user',
			claims      jsonb NOT NULL DEFAULT '{}',
			token       text NOT NULL UNIQUE,
			invited_by  uuid REFERENCES identities(id) ON DELETE SET NULL,
			is_accepted boolean NOT NULL DEFAULT false,
			accepted_at timestamptz,
			expires_at  timestamptz NOT NULL,
			tenant_id   uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS policies (
			id          uuid PRIMARY KEY,
			role        text NOT NULL,
			rule        jsonb NOT NULL,
			description text,
			priority    integer NOT NULL DEFAULT 0,
			is_active   boolean NOT NULL DEFAULT true,
			tenant_id   uuid REFERENCES tenants(id) ON DELETE CASCADE,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS policies_role_idx ON policies (tenant_id, role) WHERE is_active`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id          uuid PRIMARY KEY,
			identity_id uuid NOT NULL REFERENCES identities(id) ON DELETE CASCADE,
			text        text NOT NULL,
			vector      vector(%d),
			type        text NOT NULL DEFAULT 'note',
			metadata    jsonb NOT NULL DEFAULT '{}',
			version     integer NOT NULL DEFAULT 1,
			ttl_days    integer,
			is_deleted  boolean NOT NULL DEFAULT false,
			deleted_at  timestamptz,
			tenant_id   uuid REFERENCES tenants(id) ON DELETE CASCADE,
			created_at  timestamptz NOT NULL DEFAULT now(),
			updated_at  timestamptz NOT NULL DEFAULT now()
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS memories_list_idx ON memories (tenant_id, type, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS memories_ttl_idx ON memories (tenant_id, ttl_days) WHERE ttl_days IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS memories_vector_idx ON memories
			USING hnsw (vector vector_cosine_ops) WITH (m = 16, ef_construction = 64)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id            uuid PRIMARY KEY,
			event_type    text NOT NULL,
			actor_id      uuid,
			resource_id   uuid,
			resource_type text,
			before_state  jsonb,
			after_state   jsonb,
			meta          jsonb NOT NULL DEFAULT '{}',
			ip            text,
			user_agent    text,
			tenant_id     uuid,
			timestamp     timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS audit_logs_resource_idx ON audit_logs (resource_id, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS identity_events (
			id                uuid PRIMARY KEY,
			event_type        text NOT NULL,
			identity_id       uuid,
			actor_id          uuid,
			payload           jsonb NOT NULL DEFAULT '{}',
			meta              jsonb NOT NULL DEFAULT '{}',
			is_delivered      boolean NOT NULL DEFAULT false,
			delivery_attempts integer NOT NULL DEFAULT 0,
			delivered_at      timestamptz,
			tenant_id         uuid,
			created_at        timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS identity_events_identity_idx
			ON identity_events (identity_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS webhooks (
			id         uuid PRIMARY KEY,
			name       text NOT NULL,
			url        text NOT NULL,
			events     text[] NOT NULL DEFAULT '{}',
			secret     text NOT NULL,
			is_active  boolean NOT NULL DEFAULT true,
			created_by uuid NOT NULL,
			tenant_id  uuid REFERENCES tenants(id) ON DELETE CASCADE,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id                uuid PRIMARY KEY,
			webhook_id        uuid NOT NULL REFERENCES webhooks(id) ON DELETE CASCADE,
			event_id          uuid NOT NULL,
			event_type        text NOT NULL,
			payload           jsonb NOT NULL DEFAULT '{}',
			status            text NOT NULL DEFAULT 'pending',
			response_code     integer,
			response_body     text,
			delivery_attempts integer NOT NULL DEFAULT 0,
			next_retry_at     timestamptz,
			delivered_at      timestamptz,
			tenant_id         uuid,
			created_at        timestamptz NOT NULL DEFAULT now(),
			updated_at        timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_due_idx
			ON webhook_deliveries (next_retry_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_event_idx
			ON webhook_deliveries (event_id)`,

		`CREATE TABLE IF NOT EXISTS rate_limits (
			id              uuid PRIMARY KEY,
			client_key      text NOT NULL,
			endpoint        text NOT NULL,
			window_start    timestamptz NOT NULL,
			request_count   integer NOT NULL DEFAULT 0,
			last_request_at timestamptz NOT NULL DEFAULT now(),
			tenant_id       uuid,
			UNIQUE (client_key, endpoint, window_start)
		)`,

		`CREATE TABLE IF NOT EXISTS usage_events (
			id          uuid PRIMARY KEY,
			tenant_id   uuid NOT NULL,
			api_key_id  uuid,
			identity_id uuid,
			event       text NOT NULL,
			units       integer NOT NULL DEFAULT 1,
			metadata    jsonb NOT NULL DEFAULT '{}',
			created_at  timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS usage_events_day_idx ON usage_events (tenant_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS usage_daily (
			id        uuid PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id uuid NOT NULL,
			date      date NOT NULL,
			event     text NOT NULL,
			units     integer NOT NULL DEFAULT 0,
			UNIQUE (tenant_id, date, event)
		)`,
	}
}
