package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"

	"brokerinbox/backend/internal/domain"
	"brokerinbox/backend/internal/storage"
)

const findPolicySQL = `
SELECT p.id, p.tenant_id, p.client_id, p.policy_number, p.insurer, p.policy_type, p.status, p.created_at,
       c.id, c.tenant_id, c.full_name, c.client_number, c.email, c.created_at
FROM policies p
JOIN clients c ON c.id = p.client_id AND c.tenant_id = p.tenant_id
WHERE p.tenant_id = $1 AND p.policy_number ILIKE $2
ORDER BY p.policy_number, p.id
LIMIT 1`

const findClientSQL = `
SELECT id, tenant_id, full_name, client_number, email, created_at
FROM clients
WHERE tenant_id = $1 AND client_number ILIKE $2
ORDER BY client_number, id
LIMIT 1`

// FindPolicyByNumber 使用 ILIKE 做保单号子串检索，一次查询带出所属客户
func (c *Client) FindPolicyByNumber(ctx context.Context, tenantID, fragment string) (*domain.Policy, *domain.Client, error) {
	var p domain.Policy
	var cl domain.Client
	var insurer, policyType, email *string

	err := c.pool.QueryRow(ctx, findPolicySQL, tenantID, ilikePattern(fragment)).Scan(
		&p.ID, &p.TenantID, &p.ClientID, &p.PolicyNumber, &insurer, &policyType, &p.Status, &p.CreatedAt,
		&cl.ID, &cl.TenantID, &cl.FullName, &cl.ClientNumber, &email, &cl.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, storage.ErrPolicyNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	p.Insurer = deref(insurer)
	p.PolicyType = deref(policyType)
	cl.Email = deref(email)
	return &p, &cl, nil
}

// FindClientByNumber 使用 ILIKE 做客户号子串检索
func (c *Client) FindClientByNumber(ctx context.Context, tenantID, fragment string) (*domain.Client, error) {
	var cl domain.Client
	var email *string

	err := c.pool.QueryRow(ctx, findClientSQL, tenantID, ilikePattern(fragment)).Scan(
		&cl.ID, &cl.TenantID, &cl.FullName, &cl.ClientNumber, &email, &cl.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	cl.Email = deref(email)
	return &cl, nil
}

func ilikePattern(fragment string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(fragment) + "%"
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
