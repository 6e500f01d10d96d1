package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TenantRepository is the read-only directory view consumed by the reminder
// scheduler. Tenant provisioning and user management live elsewhere.
type TenantRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewTenantRepository creates a new tenant directory repository.
func NewTenantRepository(db *DB, logger *zap.Logger) *TenantRepository {
	return &TenantRepository{
		db:     db,
		logger: logger,
	}
}

// ListActiveWithOwners returns every non-cancelled tenant together with its
// owner-role users currently in invited or active status. Tenants without
// any eligible owner are still returned (with an empty owner list); the
// scheduler skips them.
func (r *TenantRepository) ListActiveWithOwners(ctx context.Context) ([]*Tenant, error) {
	query := `
		SELECT
			t.id, t.name, t.domain, t.status, t.created_at,
			u.id, u.email
		FROM tenants t
		LEFT JOIN tenant_users tu
			ON tu.tenant_id = t.id
			AND tu.role = 'owner'
			AND tu.status IN ('invited', 'active')
		LEFT JOIN users u ON u.id = tu.user_id
		WHERE t.status <> 'cancelled'
		ORDER BY t.created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*Tenant)
	var tenants []*Tenant

	for rows.Next() {
		var (
			t       Tenant
			ownerID *uuid.UUID
			email   *string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Domain, &t.Status, &t.CreatedAt, &ownerID, &email); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}

		tenant, seen := byID[t.ID]
		if !seen {
			tenant = &t
			byID[t.ID] = tenant
			tenants = append(tenants, tenant)
		}

		if ownerID != nil && email != nil {
			tenant.Owners = append(tenant.Owners, TenantOwner{UserID: *ownerID, Email: *email})
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tenants, nil
}
