package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sprintconnect/registry/internal/registry/model"
)

// dbtx is the query surface shared by *pgxpool.Pool and pgx.Tx, so row
// helpers can run inside or outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ServerRepository provides server, credential, and registration persistence
// against PostgreSQL.
type ServerRepository struct {
	db *pgxpool.Pool
}

// NewServerRepository creates a ServerRepository.
func NewServerRepository(db *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{db: db}
}

// isUniqueViolation reports whether err is the Postgres unique-constraint
// error. The partial unique index on (org_id, name, environment) where
// deleted_at is null is the authoritative duplicate guard; the service's
// pre-check only exists for a friendlier fast path.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateRegistration atomically inserts the server row, the optional
// credential row, and all capability rows. Any failure rolls the whole
// registration back. A unique-index violation is translated into the same
// conflict error the pre-check produces.
func (r *ServerRepository) CreateRegistration(ctx context.Context, server *model.Server, cred *model.Credential, caps []*model.Capability) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin registration tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertServer(ctx, tx, server); err != nil {
		if isUniqueViolation(err) {
			return &model.ErrConflict{Name: server.Name, Environment: server.Environment}
		}
		return fmt.Errorf("insert server: %w", err)
	}

	if cred != nil {
		cred.ServerID = server.ID
		if err := insertCredential(ctx, tx, cred); err != nil {
			return fmt.Errorf("insert credential: %w", err)
		}
	}

	for _, cap := range caps {
		cap.ServerID = server.ID
		if err := insertCapability(ctx, tx, cap); err != nil {
			return fmt.Errorf("insert capability %q: %w", cap.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return &model.ErrConflict{Name: server.Name, Environment: server.Environment}
		}
		return fmt.Errorf("commit registration: %w", err)
	}
	return nil
}

func insertServer(ctx context.Context, db dbtx, server *model.Server) error {
	meta, err := json.Marshal(server.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if server.ID == uuid.Nil {
		server.ID = uuid.New()
	}
	now := time.Now().UTC()
	server.CreatedAt = now
	server.UpdatedAt = now

	tags := server.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		INSERT INTO mcp_servers (
			id, org_id, name, description, environment,
			base_url, ws_url, tags, metadata, owner_user_id,
			status, health_status, last_health_check_at, last_discovery_at,
			created_at, updated_at, deleted_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17
		)`

	_, err = db.Exec(ctx, query,
		server.ID, server.OrgID, server.Name, server.Description, server.Environment,
		server.BaseURL, server.WsURL, tags, meta, server.OwnerUserID,
		server.Status, server.HealthStatus, server.LastHealthCheckAt, server.LastDiscoveryAt,
		server.CreatedAt, server.UpdatedAt, server.DeletedAt,
	)
	return err
}

func insertCredential(ctx context.Context, db dbtx, cred *model.Credential) error {
	meta, err := json.Marshal(cred.Metadata)
	if err != nil {
		return fmt.Errorf("marshal credential metadata: %w", err)
	}

	if cred.ID == uuid.Nil {
		cred.ID = uuid.New()
	}
	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	scope := cred.Scope
	if scope == nil {
		scope = []string{}
	}

	query := `
		INSERT INTO mcp_credentials (
			id, server_id, kind, vault_path, scope, metadata,
			created_at, updated_at, rotated_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = db.Exec(ctx, query,
		cred.ID, cred.ServerID, cred.Kind, cred.VaultPath, scope, meta,
		cred.CreatedAt, cred.UpdatedAt, cred.RotatedAt, cred.ExpiresAt,
	)
	return err
}

// ActiveExists reports whether a non-deleted server already claims the
// (org, name, environment) identity.
func (r *ServerRepository) ActiveExists(ctx context.Context, orgID uuid.UUID, name string, env model.Environment) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS(
			SELECT 1 FROM mcp_servers
			WHERE org_id = $1 AND name = $2 AND environment = $3 AND deleted_at IS NULL
		)`
	if err := r.db.QueryRow(ctx, query, orgID, name, env).Scan(&exists); err != nil {
		return false, fmt.Errorf("check duplicate server: %w", err)
	}
	return exists, nil
}

// GetByID retrieves a non-deleted server scoped to its organization.
func (r *ServerRepository) GetByID(ctx context.Context, orgID, id uuid.UUID) (*model.Server, error) {
	query := serverSelect + ` WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`
	return r.scanOne(ctx, query, id, orgID)
}

// List returns non-deleted servers for an organization, newest first, with
// optional environment/status/tag filters.
func (r *ServerRepository) List(ctx context.Context, orgID uuid.UUID, filter model.ListFilter) ([]*model.Server, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := serverSelect + `
		WHERE org_id = $1
		  AND deleted_at IS NULL
		  AND ($2 = '' OR environment = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR $4 = ANY(tags))
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6`

	rows, err := r.db.Query(ctx, query,
		orgID, string(filter.Environment), string(filter.Status), filter.Tag, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// Update persists the mutable fields of a server record.
func (r *ServerRepository) Update(ctx context.Context, server *model.Server) error {
	meta, err := json.Marshal(server.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	server.UpdatedAt = time.Now().UTC()

	tags := server.Tags
	if tags == nil {
		tags = []string{}
	}

	query := `
		UPDATE mcp_servers SET
			description = $3,
			base_url    = $4,
			ws_url      = $5,
			tags        = $6,
			metadata    = $7,
			status      = $8,
			updated_at  = $9
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`

	tag, err := r.db.Exec(ctx, query,
		server.ID, server.OrgID, server.Description, server.BaseURL, server.WsURL,
		tags, meta, server.Status, server.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// SoftDelete tombstones a server. The row survives but is excluded from
// uniqueness and listing, freeing its (org, name, environment) identity.
func (r *ServerRepository) SoftDelete(ctx context.Context, orgID, id uuid.UUID) error {
	now := time.Now().UTC()
	query := `
		UPDATE mcp_servers SET deleted_at = $3, updated_at = $3
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id, orgID, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// UpdateHealthStatus records a health poll result for a server.
func (r *ServerRepository) UpdateHealthStatus(ctx context.Context, id uuid.UUID, status model.HealthStatus, checkedAt time.Time) error {
	query := `
		UPDATE mcp_servers SET health_status = $2, last_health_check_at = $3, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id, status, checkedAt.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// TouchDiscovery stamps last_discovery_at after a discovery pass.
func (r *ServerRepository) TouchDiscovery(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE mcp_servers SET last_discovery_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	_, err := r.db.Exec(ctx, query, id, at.UTC())
	return err
}

// PollTarget is the minimal server data the health poller needs.
type PollTarget struct {
	ID      uuid.UUID
	Name    string
	BaseURL string
}

// ListPollTargets returns all active, non-deleted servers with endpoints.
func (r *ServerRepository) ListPollTargets(ctx context.Context) ([]PollTarget, error) {
	query := `
		SELECT id, name, base_url FROM mcp_servers
		WHERE status = 'active' AND deleted_at IS NULL`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []PollTarget
	for rows.Next() {
		var t PollTarget
		if err := rows.Scan(&t.ID, &t.Name, &t.BaseURL); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// CountByStatus returns the number of non-deleted servers per lifecycle
// status, across all organizations.
func (r *ServerRepository) CountByStatus(ctx context.Context) (map[model.ServerStatus]int, error) {
	query := `
		SELECT status, COUNT(*) FROM mcp_servers
		WHERE deleted_at IS NULL
		GROUP BY status`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.ServerStatus]int)
	for rows.Next() {
		var status model.ServerStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CredentialByServer returns the current credential for a server, or
// model.ErrNotFound when none exists.
func (r *ServerRepository) CredentialByServer(ctx context.Context, serverID uuid.UUID) (*model.Credential, error) {
	query := `
		SELECT id, server_id, kind, vault_path, scope, metadata,
		       created_at, updated_at, rotated_at, expires_at
		FROM mcp_credentials
		WHERE server_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var c model.Credential
	var metaRaw []byte
	err := r.db.QueryRow(ctx, query, serverID).Scan(
		&c.ID, &c.ServerID, &c.Kind, &c.VaultPath, &c.Scope, &metaRaw,
		&c.CreatedAt, &c.UpdatedAt, &c.RotatedAt, &c.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal credential metadata: %w", err)
		}
	}
	return &c, nil
}

const serverSelect = `
	SELECT id, org_id, name, description, environment,
	       base_url, ws_url, tags, metadata, owner_user_id,
	       status, health_status, last_health_check_at, last_discovery_at,
	       created_at, updated_at, deleted_at
	FROM mcp_servers`

func (r *ServerRepository) scanOne(ctx context.Context, query string, args ...any) (*model.Server, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, model.ErrNotFound
	}
	return scanServer(rows)
}

func scanServer(rows pgx.Rows) (*model.Server, error) {
	var s model.Server
	var metaRaw []byte

	err := rows.Scan(
		&s.ID, &s.OrgID, &s.Name, &s.Description, &s.Environment,
		&s.BaseURL, &s.WsURL, &s.Tags, &metaRaw, &s.OwnerUserID,
		&s.Status, &s.HealthStatus, &s.LastHealthCheckAt, &s.LastDiscoveryAt,
		&s.CreatedAt, &s.UpdatedAt, &s.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &s, nil
}
