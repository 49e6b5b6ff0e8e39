package postgresql

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    url              text NOT NULL,
    platform         text NOT NULL,
    start_sec        double precision NOT NULL,
    end_sec          double precision NOT NULL,
    quality          text NOT NULL DEFAULT '',
    rights_confirmed boolean NOT NULL DEFAULT false,
    client_id        text NOT NULL DEFAULT '',
    selector         text NOT NULL DEFAULT '',
    status           text NOT NULL DEFAULT 'queued',
    progress         int NOT NULL DEFAULT 0,
    error_kind       text,
    error_message    text,
    handle           text,
    created_at       timestamptz NOT NULL DEFAULT now(),
    started_at       timestamptz,
    completed_at     timestamptz
);

CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_completed_at_idx ON jobs (completed_at) WHERE completed_at IS NOT NULL;
`

// EnsureSchema creates the jobs table on startup. The service owns its
// schema; there is no separate migration step.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
