package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/org/accessgate/pkg/models"
)

// PurchaseCompleted is the purchase status that entitles a user to access.
const PurchaseCompleted = "completed"

// PostgresBackend is a StorageBackend backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

// Pool exposes the connection pool so the job queue can share it.
func (p *PostgresBackend) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// IsUniqueViolation reports whether err is a Postgres unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Collaborator records ---

func (p *PostgresBackend) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.pool.QueryRow(ctx,
		`SELECT id, email, tradingview_username FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.TradingViewUsername)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (p *PostgresBackend) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	var s models.Strategy
	err := p.pool.QueryRow(ctx,
		`SELECT id, name, pine_id, access_duration, is_active FROM strategies WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.PineID, &s.AccessDuration, &s.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (p *PostgresBackend) ListMissingAccess(ctx context.Context, strategyID string) ([]MissingAccess, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT p.user_id, a.id, a.user_id, a.strategy_id, a.status, a.failure_reason,
		        a.granted_at, a.revoked_at, a.job_id, a.created_at, a.updated_at
		 FROM purchases p
		 LEFT JOIN strategy_access a ON a.user_id = p.user_id AND a.strategy_id = p.strategy_id
		 WHERE p.strategy_id = $1 AND p.status = $2
		   AND (a.id IS NULL OR a.status <> 'GRANTED')
		 ORDER BY p.user_id`,
		strategyID, PurchaseCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MissingAccess
	for rows.Next() {
		var (
			userID                       string
			id, aUser, aStrategy, status *string
			reason, jobID                *string
			grantedAt, revokedAt         *time.Time
			createdAt, updatedAt         *time.Time
		)
		if err := rows.Scan(&userID, &id, &aUser, &aStrategy, &status, &reason,
			&grantedAt, &revokedAt, &jobID, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		m := MissingAccess{UserID: userID}
		if id != nil {
			m.Access = &models.StrategyAccess{
				ID:            *id,
				UserID:        *aUser,
				StrategyID:    *aStrategy,
				Status:        models.AccessStatus(*status),
				FailureReason: reason,
				GrantedAt:     grantedAt,
				RevokedAt:     revokedAt,
				JobID:         jobID,
				CreatedAt:     *createdAt,
				UpdatedAt:     *updatedAt,
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Strategy access ---

const accessColumns = `id, user_id, strategy_id, status, failure_reason, granted_at, revoked_at, job_id, created_at, updated_at`

func scanAccess(row pgx.Row) (*models.StrategyAccess, error) {
	var a models.StrategyAccess
	var status string
	err := row.Scan(&a.ID, &a.UserID, &a.StrategyID, &status, &a.FailureReason,
		&a.GrantedAt, &a.RevokedAt, &a.JobID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.Status = models.AccessStatus(status)
	return &a, nil
}

func (p *PostgresBackend) CreateAccess(ctx context.Context, a *models.StrategyAccess) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := p.pool.Exec(ctx,
		`INSERT INTO strategy_access (`+accessColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.UserID, a.StrategyID, string(a.Status), a.FailureReason,
		a.GrantedAt, a.RevokedAt, a.JobID, a.CreatedAt, a.UpdatedAt,
	)
	if IsUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetAccess(ctx context.Context, id string) (*models.StrategyAccess, error) {
	return scanAccess(p.pool.QueryRow(ctx,
		`SELECT `+accessColumns+` FROM strategy_access WHERE id = $1`, id))
}

func (p *PostgresBackend) GetAccessByPair(ctx context.Context, userID, strategyID string) (*models.StrategyAccess, error) {
	return scanAccess(p.pool.QueryRow(ctx,
		`SELECT `+accessColumns+` FROM strategy_access WHERE user_id = $1 AND strategy_id = $2`,
		userID, strategyID))
}

func (p *PostgresBackend) AttachJob(ctx context.Context, accessID, jobID string, repend bool) (*models.StrategyAccess, error) {
	return scanAccess(p.pool.QueryRow(ctx,
		`UPDATE strategy_access
		 SET job_id = $2,
		     status = CASE WHEN $3::boolean THEN 'PENDING' ELSE status END,
		     failure_reason = CASE WHEN $3::boolean THEN NULL ELSE failure_reason END,
		     granted_at = CASE WHEN $3::boolean THEN NULL ELSE granted_at END,
		     revoked_at = CASE WHEN $3::boolean THEN NULL ELSE revoked_at END,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+accessColumns,
		accessID, jobID, repend))
}

func (p *PostgresBackend) UpdateAccess(ctx context.Context, accessID, expectedJobID string, upd models.AccessUpdate) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE strategy_access
		 SET status = $2, failure_reason = $3, granted_at = $4, revoked_at = $5,
		     job_id = CASE WHEN $6::boolean THEN NULL ELSE job_id END,
		     updated_at = NOW()
		 WHERE id = $1 AND ($7::text = '' OR job_id = $7::text)`,
		accessID, string(upd.Status), upd.FailureReason, upd.GrantedAt, upd.RevokedAt,
		upd.ClearJob, expectedJobID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetAccess(ctx, accessID); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// --- Credentials ---

const credentialColumns = `id, api_url, sealed_session_id, sealed_signature, created_at, validated_at, last_used_at, is_active, created_by`

func scanCredential(row pgx.Row) (*models.SealedCredential, error) {
	var c models.SealedCredential
	err := row.Scan(&c.ID, &c.APIURL, &c.SealedSessionID, &c.SealedSignature,
		&c.CreatedAt, &c.ValidatedAt, &c.LastUsedAt, &c.IsActive, &c.CreatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (p *PostgresBackend) ActivateCredential(ctx context.Context, c *models.SealedCredential, retention int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `UPDATE credentials SET is_active = FALSE WHERE is_active`); err != nil {
		return fmt.Errorf("deactivating previous credential: %w", err)
	}
	c.IsActive = true
	_, err = tx.Exec(ctx,
		`INSERT INTO credentials (`+credentialColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)`,
		c.ID, c.APIURL, c.SealedSessionID, c.SealedSignature,
		c.CreatedAt, c.ValidatedAt, c.LastUsedAt, c.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting credential: %w", err)
	}
	if retention > 0 {
		_, err = tx.Exec(ctx,
			`DELETE FROM credentials
			 WHERE NOT is_active
			   AND id NOT IN (SELECT id FROM credentials ORDER BY created_at DESC LIMIT $1)`,
			retention,
		)
		if err != nil {
			return fmt.Errorf("pruning credential history: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) GetActiveCredential(ctx context.Context) (*models.SealedCredential, error) {
	return scanCredential(p.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE is_active`))
}

func (p *PostgresBackend) MarkCredentialValidated(ctx context.Context, id string, at time.Time) error {
	return p.touchCredential(ctx, `UPDATE credentials SET validated_at = $2 WHERE id = $1`, id, at)
}

func (p *PostgresBackend) MarkCredentialUsed(ctx context.Context, id string, at time.Time) error {
	return p.touchCredential(ctx, `UPDATE credentials SET last_used_at = $2 WHERE id = $1`, id, at)
}

func (p *PostgresBackend) touchCredential(ctx context.Context, query, id string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, query, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBackend) ListCredentials(ctx context.Context, limit int) ([]*models.SealedCredential, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.SealedCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Provisioning state ---

func (p *PostgresBackend) GetProvisioningState(ctx context.Context) (*models.ProvisioningState, error) {
	var st models.ProvisioningState
	var state, mode string
	err := p.pool.QueryRow(ctx,
		`SELECT state, mode, degraded_at, reason, incident_id, consecutive_failures, version, updated_at, updated_by
		 FROM provisioning_state WHERE id = 1`,
	).Scan(&state, &mode, &st.DegradedAt, &st.Reason, &st.IncidentID,
		&st.ConsecutiveFailures, &st.Version, &st.UpdatedAt, &st.UpdatedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	st.State = models.HealthState(state)
	st.Mode = models.Mode(mode)
	return &st, nil
}

func (p *PostgresBackend) UpdateProvisioningState(ctx context.Context, st *models.ProvisioningState, expectedVersion int64) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE provisioning_state
		 SET state = $1, mode = $2, degraded_at = $3, reason = $4, incident_id = $5,
		     consecutive_failures = $6, version = version + 1, updated_at = $7, updated_by = $8
		 WHERE id = 1 AND version = $9`,
		string(st.State), string(st.Mode), st.DegradedAt, st.Reason, st.IncidentID,
		st.ConsecutiveFailures, st.UpdatedAt, st.UpdatedBy, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	st.Version = expectedVersion + 1
	return nil
}

// --- Manual tasks ---

const taskColumns = `id, type, username, script_id, strategy_access_id, status, notes, created_at, updated_at, completed_at, completed_by`

func scanTask(row pgx.Row) (*models.ManualTask, error) {
	var t models.ManualTask
	var typ, status string
	err := row.Scan(&t.ID, &typ, &t.Username, &t.ScriptID, &t.StrategyAccessID, &status,
		&t.Notes, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt, &t.CompletedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	t.Type = models.TaskType(typ)
	t.Status = models.TaskStatus(status)
	return &t, nil
}

func (p *PostgresBackend) UpsertPendingManualTask(ctx context.Context, t *models.ManualTask) (*models.ManualTask, bool, error) {
	now := time.Now().UTC()
	t.Status = models.TaskPending
	t.CreatedAt, t.UpdatedAt = now, now
	row := p.pool.QueryRow(ctx,
		`INSERT INTO manual_tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $7, NULL, NULL)
		 ON CONFLICT (strategy_access_id, type) WHERE status = 'pending' AND strategy_access_id IS NOT NULL
		 DO UPDATE SET username = EXCLUDED.username, script_id = EXCLUDED.script_id,
		               notes = EXCLUDED.notes, updated_at = EXCLUDED.updated_at
		 RETURNING `+taskColumns+`, (xmax = 0) AS inserted`,
		t.ID, string(t.Type), t.Username, t.ScriptID, t.StrategyAccessID, t.Notes, now,
	)
	var out models.ManualTask
	var typ, status string
	var inserted bool
	err := row.Scan(&out.ID, &typ, &out.Username, &out.ScriptID, &out.StrategyAccessID, &status,
		&out.Notes, &out.CreatedAt, &out.UpdatedAt, &out.CompletedAt, &out.CompletedBy, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upserting manual task: %w", err)
	}
	out.Type = models.TaskType(typ)
	out.Status = models.TaskStatus(status)
	return &out, inserted, nil
}

func (p *PostgresBackend) GetManualTask(ctx context.Context, id string) (*models.ManualTask, error) {
	return scanTask(p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM manual_tasks WHERE id = $1`, id))
}

func (p *PostgresBackend) ResolveManualTask(ctx context.Context, id string, status models.TaskStatus, by, notes string, at time.Time) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE manual_tasks
		 SET status = $2, completed_by = $3,
		     notes = CASE WHEN $4 = '' THEN notes ELSE $4 END,
		     completed_at = $5, updated_at = $5
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), by, notes, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetManualTask(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresBackend) CloseManualTasks(ctx context.Context, accessID, by, notes string, at time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE manual_tasks
		 SET status = 'failed', completed_by = $2, notes = $3,
		     completed_at = $4, updated_at = $4
		 WHERE strategy_access_id = $1 AND status = 'pending'`,
		accessID, by, notes, at,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresBackend) ListManualTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.ManualTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM manual_tasks
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ManualTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- Audit ---

func (p *PostgresBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	detailsJSON, err := json.Marshal(entry.Details)
	if err != nil || entry.Details == nil {
		detailsJSON = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_log (timestamp, request_id, actor, action, entity_type, entity_id, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Timestamp, entry.RequestID, entry.Actor, entry.Action,
		entry.EntityType, entry.EntityID, detailsJSON,
	)
	return err
}

func (p *PostgresBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, timestamp, request_id, actor, action, entity_type, entity_id, details FROM audit_log WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.EntityType != "" {
		fmt.Fprintf(&query, ` AND entity_type = $%d`, n)
		args = append(args, filter.EntityType)
		n++
	}
	if filter.EntityID != "" {
		fmt.Fprintf(&query, ` AND entity_id = $%d`, n)
		args = append(args, filter.EntityID)
		n++
	}
	if filter.Action != "" {
		fmt.Fprintf(&query, ` AND action = $%d`, n)
		args = append(args, filter.Action)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND timestamp >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY timestamp DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.RequestID, &e.Actor, &e.Action,
			&e.EntityType, &e.EntityID, &detailsJSON); err != nil {
			return nil, err
		}
		json.Unmarshal(detailsJSON, &e.Details) //nolint:errcheck
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// --- Locks ---

func (p *PostgresBackend) TryLock(ctx context.Context, name string) (func(), bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name)
		conn.Release()
	}
	return release, true, nil
}
