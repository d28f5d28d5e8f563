package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

// Store reads users, roles and permissions.
type Store interface {
	Membership(ctx context.Context, userID int64) (Membership, error)
	UserPermissions(ctx context.Context, userID int64) ([]string, error)
}

// Service resolves who a user is and what they may do.
type Service struct {
	store Store
}

// NewService constructs a Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// EffectivePermissions returns the normalized permission codes granted to the user through roles.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	perms, err := s.store.UserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return normalizePermissions(perms), nil
}

// IsAdmin reports whether the user holds the administrative permission.
func (s *Service) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	return s.HasPermission(ctx, userID, shared.PermAdmin)
}

// HasPermission reports whether the user holds code or is an administrator.
func (s *Service) HasPermission(ctx context.Context, userID int64, code string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return hasAnyPermission(perms, []string{code, shared.PermAdmin}), nil
}

// HasAll reports whether the user holds every code.
func (s *Service) HasAll(ctx context.Context, userID int64, codes ...string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	if hasAnyPermission(perms, []string{shared.PermAdmin}) {
		return true, nil
	}
	return hasAllPermissions(perms, normalizePermissions(codes)), nil
}

// ResolveActor loads the user's department and permissions once so the
// workflows can authorize without further queries.
func (s *Service) ResolveActor(ctx context.Context, userID int64) (shared.Actor, error) {
	m, err := s.store.Membership(ctx, userID)
	if err != nil {
		return shared.Actor{}, fmt.Errorf("rbac: user %d: %w", userID, err)
	}
	if !m.IsActive {
		return shared.Actor{}, fmt.Errorf("rbac: user %d inactive: %w", userID, shared.ErrUnauthorized)
	}
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return shared.Actor{}, err
	}
	return shared.NewActor(userID, m.DepartmentID, perms...), nil
}

// PGStore implements Store over the users, user_roles and role_permissions tables.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Membership implements Store.
func (s *PGStore) Membership(ctx context.Context, userID int64) (Membership, error) {
	m := Membership{UserID: userID}
	var dept *int64
	err := s.pool.QueryRow(ctx, `SELECT department_id, is_active FROM users WHERE id=$1`, userID).Scan(&dept, &m.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, shared.ErrNotFound
		}
		return Membership{}, err
	}
	if dept != nil {
		m.DepartmentID = *dept
	}
	return m, nil
}

// UserPermissions implements Store.
func (s *PGStore) UserPermissions(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT p.name
FROM user_roles ur
JOIN role_permissions rp ON rp.role_id = ur.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1
ORDER BY p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		perms = append(perms, name)
	}
	return perms, rows.Err()
}
