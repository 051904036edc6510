package repo

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LeventeLantos/outreach-scheduler/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps jobs, recipients, accounts and campaigns in
// PostgreSQL. Row locks are always taken in the order
// recipient -> job -> account.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens a pgx-backed *sql.DB for the given URL.
func OpenPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded migration files in filename order.
func (r *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		var applied bool
		if err := r.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, e.Name(),
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", e.Name(), err)
		}
		if applied {
			continue
		}

		body, err := fs.ReadFile(migrationsFS, "migrations/"+e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename) VALUES ($1)`, e.Name(),
		); err != nil {
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

const jobColumns = `id, recipient_id, account_id, campaign_id, action_kind, step, scheduled_for,
	status, attempt_count, max_retries, last_error, dispatched_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (model.Job, error) {
	var j model.Job
	var action, status string
	var lastErr sql.NullString
	var dispatchedAt, completedAt sql.NullTime

	if err := row.Scan(
		&j.ID,
		&j.RecipientID,
		&j.AccountID,
		&j.CampaignID,
		&action,
		&j.Step,
		&j.ScheduledFor,
		&status,
		&j.AttemptCount,
		&j.MaxRetries,
		&lastErr,
		&dispatchedAt,
		&completedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return model.Job{}, err
	}

	j.Action = model.ActionKind(action)
	j.Status = model.JobStatus(status)
	j.LastError = lastErr.String
	j.DispatchedAt = timePtr(dispatchedAt)
	j.CompletedAt = timePtr(completedAt)
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]model.Job, error) {
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *PostgresStore) CreateJob(ctx context.Context, j *model.Job) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var terminal bool
	err = tx.QueryRowContext(ctx,
		`SELECT terminal FROM recipients WHERE id = $1 FOR SHARE`, j.RecipientID,
	).Scan(&terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("recipient %s: %w", j.RecipientID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if terminal {
		return ErrRecipientTerminal
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		j.ID, j.RecipientID, j.AccountID, j.CampaignID, string(j.Action), j.Step, j.ScheduledFor,
		string(j.Status), j.AttemptCount, j.MaxRetries, nullString(j.LastError),
		j.DispatchedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateOpenJob
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	return j, err
}

func (r *PostgresStore) ListDue(ctx context.Context, accountID string, now time.Time, limit int) ([]model.Job, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE account_id = $1 AND status = 'pending' AND scheduled_for <= $2
		ORDER BY scheduled_for ASC
		LIMIT $3
	`, accountID, now, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PostgresStore) Claim(ctx context.Context, id uuid.UUID, now time.Time) (model.Job, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var recipientID uuid.UUID
	var accountID string
	err = tx.QueryRowContext(ctx,
		`SELECT recipient_id, account_id FROM jobs WHERE id = $1`, id,
	).Scan(&recipientID, &accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}

	var terminal bool
	if err := tx.QueryRowContext(ctx,
		`SELECT terminal FROM recipients WHERE id = $1 FOR SHARE`, recipientID,
	).Scan(&terminal); err != nil {
		return model.Job{}, err
	}
	if terminal {
		return model.Job{}, ErrNotClaimable
	}

	var locked uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE id = $1 AND status = 'pending' AND scheduled_for <= $2
		FOR UPDATE SKIP LOCKED
	`, id, now).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotClaimable
	}
	if err != nil {
		return model.Job{}, err
	}

	acc, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotClaimable
	}
	if err != nil {
		return model.Job{}, err
	}
	day := acc.LocalDay(now)
	used := acc.QuotaUsedOn(day)
	if !acc.Dispatchable(now) || !acc.Paced(now) || !acc.InBusinessHours(now) || used >= acc.DailyQuota {
		return model.Job{}, ErrNotClaimable
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET quota_day = $2, quota_used = $3, last_dispatched_at = $4, updated_at = $4
		WHERE id = $1
	`, accountID, day, used+1, now); err != nil {
		return model.Job{}, err
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'dispatched', dispatched_at = $2, updated_at = $2
		WHERE id = $1
		RETURNING `+jobColumns, id, now))
	if err != nil {
		return model.Job{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.Job{}, err
	}
	return j, nil
}

func (r *PostgresStore) MarkSent(ctx context.Context, id uuid.UUID, now time.Time) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobDispatched}, model.JobSent, `
		UPDATE jobs SET status = 'sent', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'dispatched'
	`, id, now)
}

func (r *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, reason string, attempts int, now time.Time) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobPending, model.JobDispatched}, model.JobFailed, `
		UPDATE jobs
		SET status = 'failed', attempt_count = $3, last_error = $4, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'dispatched')
	`, id, now, attempts, reason)
}

func (r *PostgresStore) Reschedule(ctx context.Context, id uuid.UUID, at time.Time, attempts int, lastErr string, now time.Time) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobDispatched}, "", `
		UPDATE jobs
		SET status = 'pending', scheduled_for = $3, attempt_count = $4, last_error = $5, updated_at = $2
		WHERE id = $1 AND status = 'dispatched'
	`, id, now, at, attempts, lastErr)
}

func (r *PostgresStore) RefundDispatch(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var accountID string
	var dispatchedAt time.Time
	err = tx.QueryRowContext(ctx, `
		UPDATE jobs j
		SET status = 'pending', dispatched_at = NULL, last_error = $3, updated_at = $2
		FROM jobs prev
		WHERE j.id = $1 AND prev.id = j.id AND j.status = 'dispatched' AND j.dispatched_at IS NOT NULL
		RETURNING j.account_id, prev.dispatched_at
	`, id, now, reason).Scan(&accountID, &dispatchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r.transitionError(ctx, id, "refund")
	}
	if err != nil {
		return err
	}

	acc, err := scanAccount(tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err == nil && acc.QuotaDay == acc.LocalDay(dispatchedAt) && acc.QuotaUsed > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET quota_used = quota_used - 1, updated_at = $2 WHERE id = $1`, accountID, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobPending, model.JobDispatched}, model.JobCancelled, `
		UPDATE jobs
		SET status = 'cancelled', last_error = $3, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'dispatched')
	`, id, now, reason)
}

func (r *PostgresStore) MoveJob(ctx context.Context, id uuid.UUID, at time.Time, now time.Time) error {
	return r.transition(ctx, id, []model.JobStatus{model.JobPending}, "", `
		UPDATE jobs SET scheduled_for = $3, updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, now, at)
}

func (r *PostgresStore) Requeue(ctx context.Context, id uuid.UUID, at time.Time, now time.Time) (model.Job, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.Job{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	var terminal bool
	err = tx.QueryRowContext(ctx, `
		SELECT r.lifecycle_state, r.terminal
		FROM recipients r JOIN jobs j ON j.recipient_id = r.id
		WHERE j.id = $1
		FOR SHARE OF r
	`, id).Scan(&state, &terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrNotFound
	}
	if err != nil {
		return model.Job{}, err
	}
	if terminal && state != string(model.PhaseFailed) {
		return model.Job{}, ErrRecipientTerminal
	}

	j, err := scanJob(tx.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'pending', scheduled_for = $3, attempt_count = 0, completed_at = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('dispatched', 'failed')
		RETURNING `+jobColumns, id, now, at))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, ErrInvalidTransition
	}
	if isUniqueViolation(err) {
		return model.Job{}, ErrDuplicateOpenJob
	}
	if err != nil {
		return model.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Job{}, err
	}
	return j, nil
}

func (r *PostgresStore) ResetStuck(ctx context.Context, id uuid.UUID, dispatchedAt, at, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', attempt_count = attempt_count + 1, scheduled_for = $3,
		    last_error = 'dispatch timeout', updated_at = $4
		WHERE id = $1 AND status = 'dispatched' AND dispatched_at = $2
	`, id, dispatchedAt, at, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresStore) FailStuck(ctx context.Context, id uuid.UUID, dispatchedAt time.Time, reason string, attempts int, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', attempt_count = $3, last_error = $4, completed_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'dispatched' AND dispatched_at = $2
	`, id, dispatchedAt, attempts, reason, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *PostgresStore) ListStuckDispatched(ctx context.Context, olderThan time.Time) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'dispatched' AND dispatched_at < $1
		ORDER BY dispatched_at ASC
	`, olderThan)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PostgresStore) ListPending(ctx context.Context, accountID string, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending' AND ($1 = '' OR account_id = $1)
		ORDER BY scheduled_for ASC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PostgresStore) ListJobsByRecipient(ctx context.Context, recipientID uuid.UUID) ([]model.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE recipient_id = $1
		ORDER BY created_at ASC
	`, recipientID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

func (r *PostgresStore) ListDuplicateOpen(ctx context.Context) ([][]model.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN ('pending', 'dispatched')
		  AND (recipient_id, action_kind) IN (
			SELECT recipient_id, action_kind FROM jobs
			WHERE status IN ('pending', 'dispatched')
			GROUP BY recipient_id, action_kind
			HAVING COUNT(*) > 1
		  )
		ORDER BY recipient_id, action_kind, created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	var out [][]model.Job
	for i := 0; i < len(jobs); {
		k := i + 1
		for k < len(jobs) && jobs[k].RecipientID == jobs[i].RecipientID && jobs[k].Action == jobs[i].Action {
			k++
		}
		out = append(out, jobs[i:k])
		i = k
	}
	return out, nil
}

func (r *PostgresStore) JobStats(ctx context.Context, accountID string, since time.Time) (JobStats, error) {
	var st JobStats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'failed')
		FROM jobs
		WHERE account_id = $1 AND status IN ('sent', 'failed') AND completed_at >= $2
	`, accountID, since).Scan(&st.Total, &st.Failed)
	return st, err
}

func (r *PostgresStore) CountDispatchedSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE account_id = $1 AND dispatched_at >= $2
	`, accountID, since).Scan(&n)
	return n, err
}

func (r *PostgresStore) PurgeJob(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// transition runs a conditional job update and maps "no row changed" to
// nil when the job already sits in the idempotent target status.
func (r *PostgresStore) transition(ctx context.Context, id uuid.UUID, from []model.JobStatus, idempotent model.JobStatus, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOpenJob
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	j, err := r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if idempotent != "" && j.Status == idempotent {
		return nil
	}
	return fmt.Errorf("job %s in %s, want one of %v: %w", id, j.Status, from, ErrInvalidTransition)
}

func (r *PostgresStore) transitionError(ctx context.Context, id uuid.UUID, op string) error {
	j, err := r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%s from %s: %w", op, j.Status, ErrInvalidTransition)
}

const recipientColumns = `id, channel, external_ref, campaign_id, account_id, lifecycle_state, sequence_index,
	next_due_at, last_action_at, terminal, attention, reason, version, created_at, updated_at`

func scanRecipient(row rowScanner) (model.Recipient, error) {
	var rc model.Recipient
	var state string
	var step int
	var nextDue, lastAction sql.NullTime

	if err := row.Scan(
		&rc.ID,
		&rc.Channel,
		&rc.ExternalRef,
		&rc.CampaignID,
		&rc.AccountID,
		&state,
		&step,
		&nextDue,
		&lastAction,
		&rc.Terminal,
		&rc.Attention,
		&rc.Reason,
		&rc.Version,
		&rc.CreatedAt,
		&rc.UpdatedAt,
	); err != nil {
		return model.Recipient{}, err
	}

	lc, err := model.ParseLifecycle(state)
	if err != nil {
		return model.Recipient{}, err
	}
	rc.Lifecycle = lc
	rc.NextDueAt = timePtr(nextDue)
	rc.LastActionAt = timePtr(lastAction)
	return rc, nil
}

func (r *PostgresStore) CreateRecipient(ctx context.Context, rc *model.Recipient) error {
	if rc.Version == 0 {
		rc.Version = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recipients (`+recipientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		rc.ID, rc.Channel, rc.ExternalRef, rc.CampaignID, rc.AccountID,
		rc.Lifecycle.String(), rc.Lifecycle.Step, rc.NextDueAt, rc.LastActionAt,
		rc.Terminal, rc.Attention, rc.Reason, rc.Version, rc.CreatedAt, rc.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrRecipientExists
	}
	return err
}

func (r *PostgresStore) GetRecipient(ctx context.Context, id uuid.UUID) (model.Recipient, error) {
	rc, err := scanRecipient(r.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, ErrNotFound
	}
	return rc, err
}

func (r *PostgresStore) FindRecipient(ctx context.Context, channel, externalRef, campaignID string) (model.Recipient, error) {
	rc, err := scanRecipient(r.db.QueryRowContext(ctx, `
		SELECT `+recipientColumns+` FROM recipients
		WHERE channel = $1 AND external_ref = $2 AND campaign_id = $3
	`, channel, externalRef, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, ErrNotFound
	}
	return rc, err
}

func (r *PostgresStore) UpdateRecipient(ctx context.Context, rc *model.Recipient) error {
	terminal := rc.Lifecycle.Phase.Terminal()
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients
		SET lifecycle_state = $3, sequence_index = $4, next_due_at = $5, last_action_at = $6,
		    terminal = $7, attention = $8, reason = $9, version = version + 1, updated_at = $10
		WHERE id = $1 AND version = $2 AND NOT terminal
	`,
		rc.ID, rc.Version, rc.Lifecycle.String(), rc.Lifecycle.Step, rc.NextDueAt, rc.LastActionAt,
		terminal, rc.Attention, rc.Reason, rc.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		rc.Version++
		rc.Terminal = terminal
		return nil
	}

	cur, err := r.GetRecipient(ctx, rc.ID)
	if err != nil {
		return err
	}
	if cur.Terminal {
		return ErrRecipientTerminal
	}
	return ErrConflict
}

func (r *PostgresStore) TerminateRecipient(ctx context.Context, id uuid.UUID, phase model.Phase, reason string, now time.Time) (int, error) {
	if !phase.Terminal() {
		return 0, fmt.Errorf("terminate into %s: %w", phase, ErrInvalidTransition)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var terminal bool
	err = tx.QueryRowContext(ctx,
		`SELECT terminal FROM recipients WHERE id = $1 FOR UPDATE`, id,
	).Scan(&terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if terminal {
		return 0, ErrRecipientTerminal
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE recipients
		SET lifecycle_state = $2, sequence_index = 0, terminal = TRUE, reason = $3, attention = '',
		    next_due_at = NULL, version = version + 1, updated_at = $4
		WHERE id = $1
	`, id, model.Terminal(phase).String(), reason, now); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'cancelled', last_error = $2, completed_at = $3, updated_at = $3
		WHERE recipient_id = $1 AND status = 'pending'
	`, id, "recipient "+string(phase), now)
	if err != nil {
		return 0, err
	}
	cancelled, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(cancelled), nil
}

func (r *PostgresStore) ReviveRecipient(ctx context.Context, id uuid.UUID, lc model.Lifecycle, now time.Time) error {
	if lc.Phase.Terminal() {
		return fmt.Errorf("revive into %s: %w", lc, ErrInvalidTransition)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients
		SET lifecycle_state = $2, sequence_index = $3, terminal = FALSE, reason = '',
		    version = version + 1, updated_at = $4
		WHERE id = $1 AND lifecycle_state = 'failed'
	`, id, lc.String(), lc.Step, now)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetRecipient(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("revive %s: %w", id, ErrInvalidTransition)
}

func (r *PostgresStore) ListRecipients(ctx context.Context, f RecipientFilter) ([]model.Recipient, error) {
	phases := make([]string, 0, len(f.Phases))
	for _, p := range f.Phases {
		phases = append(phases, string(p))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 10000
	}

	// Phase matching is done in Go because step phases are stored
	// rendered ("step_2_sent").
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recipientColumns+`
		FROM recipients
		WHERE (NOT $1 OR NOT terminal) AND ($2 = '' OR account_id = $2)
		ORDER BY created_at ASC
	`, f.NonTerminal, f.AccountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rc, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		if len(phases) > 0 && !slices.Contains(f.Phases, rc.Lifecycle.Phase) {
			continue
		}
		out = append(out, rc)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

const accountColumns = `id, channel, identity, daily_quota, quota_day, quota_used, timezone,
	open_minute, close_minute, weekdays, spacing_min_ns, spacing_max_ns, health,
	rate_limited_until, suspended, suspend_reason, last_dispatched_at,
	cursor_days, cursor_version, created_at, updated_at`

func scanAccount(row rowScanner) (model.Account, error) {
	var a model.Account
	var weekdays int
	var spacingMin, spacingMax int64
	var health string
	var rateLimited, lastDispatched sql.NullTime
	var cursorDays []byte

	if err := row.Scan(
		&a.ID,
		&a.Channel,
		&a.Identity,
		&a.DailyQuota,
		&a.QuotaDay,
		&a.QuotaUsed,
		&a.Timezone,
		&a.OpenMinute,
		&a.CloseMinute,
		&weekdays,
		&spacingMin,
		&spacingMax,
		&health,
		&rateLimited,
		&a.Suspended,
		&a.SuspendReason,
		&lastDispatched,
		&cursorDays,
		&a.Cursor.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return model.Account{}, err
	}

	a.Weekdays = model.Weekdays(weekdays)
	a.SpacingMin = time.Duration(spacingMin)
	a.SpacingMax = time.Duration(spacingMax)
	a.Health = model.Health(health)
	a.RateLimitedUntil = timePtr(rateLimited)
	a.LastDispatchedAt = timePtr(lastDispatched)
	if len(cursorDays) > 0 {
		if err := json.Unmarshal(cursorDays, &a.Cursor.Days); err != nil {
			return model.Account{}, fmt.Errorf("decode cursor of %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r *PostgresStore) UpsertAccount(ctx context.Context, a model.Account) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (
			id, channel, identity, daily_quota, timezone, open_minute, close_minute,
			weekdays, spacing_min_ns, spacing_max_ns, health, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (id) DO UPDATE SET
			channel = EXCLUDED.channel,
			identity = EXCLUDED.identity,
			daily_quota = EXCLUDED.daily_quota,
			timezone = EXCLUDED.timezone,
			open_minute = EXCLUDED.open_minute,
			close_minute = EXCLUDED.close_minute,
			weekdays = EXCLUDED.weekdays,
			spacing_min_ns = EXCLUDED.spacing_min_ns,
			spacing_max_ns = EXCLUDED.spacing_max_ns,
			health = EXCLUDED.health,
			updated_at = EXCLUDED.updated_at
	`,
		a.ID, a.Channel, a.Identity, a.DailyQuota, a.Timezone, a.OpenMinute, a.CloseMinute,
		int(a.Weekdays), a.SpacingMin.Nanoseconds(), a.SpacingMax.Nanoseconds(), string(a.Health), now,
	)
	return err
}

func (r *PostgresStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, ErrNotFound
	}
	return a, err
}

func (r *PostgresStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresStore) SwapCursor(ctx context.Context, id string, expectVersion int64, next model.Cursor) error {
	days, err := json.Marshal(next.Days)
	if err != nil {
		return fmt.Errorf("encode cursor of %s: %w", id, err)
	}
	if next.Days == nil {
		days = []byte("{}")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET cursor_days = $3, cursor_version = cursor_version + 1, updated_at = NOW()
		WHERE id = $1 AND cursor_version = $2
	`, id, expectVersion, days)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := r.GetAccount(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (r *PostgresStore) SetRateLimited(ctx context.Context, id string, until time.Time) error {
	return r.updateAccount(ctx, `UPDATE accounts SET rate_limited_until = $2, updated_at = NOW() WHERE id = $1`, id, until)
}

func (r *PostgresStore) SetSuspended(ctx context.Context, id string, suspended bool, reason string) error {
	return r.updateAccount(ctx, `UPDATE accounts SET suspended = $2, suspend_reason = $3, updated_at = NOW() WHERE id = $1`, id, suspended, reason)
}

func (r *PostgresStore) SetQuotaUsed(ctx context.Context, id string, day string, used int) error {
	return r.updateAccount(ctx, `UPDATE accounts SET quota_day = $2, quota_used = $3, updated_at = NOW() WHERE id = $1`, id, day, used)
}

func (r *PostgresStore) updateAccount(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type stepRecord struct {
	Action   string        `json:"action"`
	Delay    time.Duration `json:"delay"`
	AwaitAck bool          `json:"awaitAck"`
	Template string        `json:"template"`
}

func (r *PostgresStore) UpsertCampaign(ctx context.Context, c model.Campaign) error {
	steps := make([]stepRecord, 0, len(c.Steps))
	for _, s := range c.Steps {
		steps = append(steps, stepRecord{Action: string(s.Action), Delay: s.Delay, AwaitAck: s.AwaitAck, Template: s.Template})
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO campaigns (id, name, account_id, max_retries, steps, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			account_id = EXCLUDED.account_id,
			max_retries = EXCLUDED.max_retries,
			steps = EXCLUDED.steps,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.Name, c.AccountID, c.MaxRetries, b)
	return err
}

func (r *PostgresStore) GetCampaign(ctx context.Context, id string) (model.Campaign, error) {
	var c model.Campaign
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, account_id, max_retries, steps FROM campaigns WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.AccountID, &c.MaxRetries, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Campaign{}, ErrNotFound
	}
	if err != nil {
		return model.Campaign{}, err
	}

	var steps []stepRecord
	if err := json.Unmarshal(raw, &steps); err != nil {
		return model.Campaign{}, fmt.Errorf("decode steps of campaign %s: %w", id, err)
	}
	for _, s := range steps {
		c.Steps = append(c.Steps, model.Step{Action: model.ActionKind(s.Action), Delay: s.Delay, AwaitAck: s.AwaitAck, Template: s.Template})
	}
	return c, nil
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
