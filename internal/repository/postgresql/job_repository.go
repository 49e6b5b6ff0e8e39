package postgresql

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"clipservice/internal/entity"
	"clipservice/internal/platform"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a status update would move a job
	// backwards. Transitions are monotonic: queued -> working -> done|error.
	ErrConflict = errors.New("conflicting status transition")

	// ErrCapacity is returned by Create when the active-job ceiling is met.
	ErrCapacity = errors.New("job capacity reached")
)

// JobRepository is the source of truth for job records. Status guards live in
// the SQL so a lost worker can never resurrect a terminal job.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Create inserts a queued job unless the active ceiling is already met. The
// count and the insert run in a single statement so concurrent submissions
// cannot race past the ceiling between a read and a write.
func (r *JobRepository) Create(ctx context.Context, n entity.NewJob, capacity int64) (uuid.UUID, error) {
	const q = `
INSERT INTO jobs (url, platform, start_sec, end_sec, quality, rights_confirmed, client_id, status)
SELECT $1, $2, $3, $4, $5, $6, $7, 'queued'
WHERE (SELECT count(*) FROM jobs WHERE status IN ('queued','working')) < $8
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q,
		n.URL, string(n.Platform), n.Start, n.End, n.Quality, n.RightsConfirmed, n.ClientID, capacity,
	).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrCapacity
		}
		return uuid.Nil, err
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `
SELECT id, url, platform, start_sec, end_sec, quality, rights_confirmed, client_id,
       selector, status, progress, error_kind, error_message, handle,
       created_at, started_at, completed_at
FROM jobs
WHERE id = $1;
`
	var (
		job          entity.Job
		platformText string
		statusText   string
		errKind      *string
	)
	if err := r.pool.QueryRow(ctx, q, id).Scan(
		&job.ID,
		&job.URL,
		&platformText,
		&job.Start,
		&job.End,
		&job.Quality,
		&job.RightsConfirmed,
		&job.ClientID,
		&job.Selector,
		&statusText,
		&job.Progress,
		&errKind,
		&job.ErrorMessage,
		&job.Handle,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	job.Platform = platform.Platform(platformText)
	job.Status = entity.JobStatus(statusText)
	if errKind != nil {
		k := entity.ErrorKind(*errKind)
		job.ErrorKind = &k
	}
	return &job, nil
}

// MarkWorking claims the queued->working transition. ErrConflict means the
// job already left the queued state (duplicate delivery or reaped job).
func (r *JobRepository) MarkWorking(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE jobs SET status='working', started_at=now() WHERE id=$1 AND status='queued';`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

// SetSelector records the resolved stream selector; it is written once, by
// the owning worker, before fetch begins.
func (r *JobRepository) SetSelector(ctx context.Context, id uuid.UUID, selector string) error {
	const q = `UPDATE jobs SET selector=$2 WHERE id=$1 AND status='working';`
	_, err := r.pool.Exec(ctx, q, id, selector)
	return err
}

// SetProgress is best-effort: a stale update against a terminal job is
// silently dropped by the status guard.
func (r *JobRepository) SetProgress(ctx context.Context, id uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	const q = `UPDATE jobs SET progress=$2 WHERE id=$1 AND status='working' AND progress < $2;`
	_, err := r.pool.Exec(ctx, q, id, progress)
	return err
}

func (r *JobRepository) SetDone(ctx context.Context, id uuid.UUID, handle string) error {
	const q = `
UPDATE jobs SET status='done', handle=$2, progress=100, completed_at=now()
WHERE id=$1 AND status='working';
`
	tag, err := r.pool.Exec(ctx, q, id, handle)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

// SetError accepts jobs in queued as well as working state so the reaper can
// fail a claim that crashed before MarkWorking ran.
func (r *JobRepository) SetError(ctx context.Context, id uuid.UUID, kind entity.ErrorKind, msg string) error {
	const q = `
UPDATE jobs SET status='error', error_kind=$2, error_message=$3, completed_at=now()
WHERE id=$1 AND status IN ('queued','working');
`
	tag, err := r.pool.Exec(ctx, q, id, string(kind), msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

// CountWorking returns the in-flight gauge value.
func (r *JobRepository) CountWorking(ctx context.Context) (int64, error) {
	const q = `SELECT count(*) FROM jobs WHERE status='working';`
	var n int64
	if err := r.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteTerminalBefore purges terminal job records older than the retention
// window. Artifacts are expired separately by the lifecycle manager.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM jobs WHERE status IN ('done','error') AND completed_at < $1;`
	tag, err := r.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *JobRepository) conflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	const q = `SELECT 1 FROM jobs WHERE id=$1;`
	var one int
	if err := r.pool.QueryRow(ctx, q, id).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrConflict
}
