package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sprintconnect/registry/internal/registry/model"
)

// CapabilityRepository persists discovered capability rows. Rows are
// append-only; later discovery passes insert new rows instead of reconciling
// with earlier ones.
type CapabilityRepository struct {
	db *pgxpool.Pool
}

// NewCapabilityRepository creates a CapabilityRepository.
func NewCapabilityRepository(db *pgxpool.Pool) *CapabilityRepository {
	return &CapabilityRepository{db: db}
}

func insertCapability(ctx context.Context, db dbtx, cap *model.Capability) error {
	schema, err := json.Marshal(cap.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	meta, err := json.Marshal(cap.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if cap.ID == uuid.Nil {
		cap.ID = uuid.New()
	}
	if cap.DiscoveredAt.IsZero() {
		cap.DiscoveredAt = time.Now().UTC()
	}
	cap.UpdatedAt = cap.DiscoveredAt

	query := `
		INSERT INTO mcp_capabilities (
			id, server_id, name, description, version,
			schema, metadata, discovered_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = db.Exec(ctx, query,
		cap.ID, cap.ServerID, cap.Name, cap.Description, cap.Version,
		schema, meta, cap.DiscoveredAt, cap.UpdatedAt,
	)
	return err
}

// AppendDiscovered inserts the rows from one discovery pass and stamps the
// server's last_discovery_at, atomically.
func (r *CapabilityRepository) AppendDiscovered(ctx context.Context, serverID uuid.UUID, caps []*model.Capability, at time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin discovery tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, cap := range caps {
		cap.ServerID = serverID
		cap.DiscoveredAt = at.UTC()
		if err := insertCapability(ctx, tx, cap); err != nil {
			return fmt.Errorf("insert capability %q: %w", cap.Name, err)
		}
	}

	stamp := `UPDATE mcp_servers SET last_discovery_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`
	if _, err := tx.Exec(ctx, stamp, serverID, at.UTC()); err != nil {
		return fmt.Errorf("stamp discovery time: %w", err)
	}

	return tx.Commit(ctx)
}

// ListByServer returns capability rows for a server, newest first.
func (r *CapabilityRepository) ListByServer(ctx context.Context, serverID uuid.UUID, limit, offset int) ([]*model.Capability, error) {
	if limit <= 0 {
		limit = 100
	}
	query := capabilitySelect + `
		WHERE server_id = $1
		ORDER BY discovered_at DESC, name
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, serverID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCapabilities(rows)
}

// CountByServer returns the number of capability rows for a server.
func (r *CapabilityRepository) CountByServer(ctx context.Context, serverID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM mcp_capabilities WHERE server_id = $1`, serverID).Scan(&n)
	return n, err
}

// Search finds capabilities across an organization's non-deleted servers by
// substring match on name and description.
func (r *CapabilityRepository) Search(ctx context.Context, orgID uuid.UUID, query string, limit, offset int) ([]*model.Capability, error) {
	if limit <= 0 {
		limit = 50
	}
	sql := `
		SELECT c.id, c.server_id, c.name, c.description, c.version,
		       c.schema, c.metadata, c.discovered_at, c.updated_at
		FROM mcp_capabilities c
		JOIN mcp_servers s ON s.id = c.server_id
		WHERE s.org_id = $1
		  AND s.deleted_at IS NULL
		  AND (c.name ILIKE '%' || $2 || '%' OR c.description ILIKE '%' || $2 || '%')
		ORDER BY c.name, c.discovered_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, sql, orgID, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCapabilities(rows)
}

const capabilitySelect = `
	SELECT id, server_id, name, description, version,
	       schema, metadata, discovered_at, updated_at
	FROM mcp_capabilities`

func scanCapabilities(rows pgx.Rows) ([]*model.Capability, error) {
	var caps []*model.Capability
	for rows.Next() {
		var c model.Capability
		var schemaRaw, metaRaw []byte

		err := rows.Scan(
			&c.ID, &c.ServerID, &c.Name, &c.Description, &c.Version,
			&schemaRaw, &metaRaw, &c.DiscoveredAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(schemaRaw) > 0 {
			if err := json.Unmarshal(schemaRaw, &c.Schema); err != nil {
				return nil, fmt.Errorf("unmarshal schema: %w", err)
			}
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		caps = append(caps, &c)
	}
	return caps, rows.Err()
}
