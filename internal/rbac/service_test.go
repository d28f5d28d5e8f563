package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockflow/internal/shared"
)

type memoryStore struct {
	members map[int64]Membership
	perms   map[int64][]string
}

func (m memoryStore) Membership(_ context.Context, userID int64) (Membership, error) {
	mem, ok := m.members[userID]
	if !ok {
		return Membership{}, shared.ErrNotFound
	}
	return mem, nil
}

func (m memoryStore) UserPermissions(_ context.Context, userID int64) ([]string, error) {
	return m.perms[userID], nil
}

func newTestService() *Service {
	return NewService(memoryStore{
		members: map[int64]Membership{
			1: {UserID: 1, DepartmentID: 4, IsActive: true},
			2: {UserID: 2, DepartmentID: 5, IsActive: true},
			3: {UserID: 3, DepartmentID: 4, IsActive: false},
		},
		perms: map[int64][]string{
			1: {" Requests.Approve ", "requests.approve", "stock.opname", ""},
			2: {"ADMIN"},
		},
	})
}

func TestEffectivePermissionsNormalizes(t *testing.T) {
	perms, err := newTestService().EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"requests.approve", "stock.opname"}, perms)
}

func TestHasPermissionAndAdmin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	ok, err := svc.HasPermission(ctx, 1, shared.PermRequestsApprove)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.HasPermission(ctx, 1, shared.PermTransfersManage)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = svc.IsAdmin(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.HasAll(ctx, 2, shared.PermTransfersManage, shared.PermStockAdjust)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.HasAll(ctx, 1, shared.PermRequestsApprove, shared.PermStockAdjust)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResolveActor(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	actor, err := svc.ResolveActor(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(4), actor.DepartmentID)
	require.True(t, actor.CanActFor(4, shared.PermOpnameRun))
	require.True(t, actor.CanActFor(9, shared.PermOpnameRun))
	require.False(t, actor.CanActFor(9, shared.PermStockAdjust))
	require.False(t, actor.IsAdmin())

	admin, err := svc.ResolveActor(ctx, 2)
	require.NoError(t, err)
	require.True(t, admin.IsAdmin())

	_, err = svc.ResolveActor(ctx, 3)
	require.ErrorIs(t, err, shared.ErrUnauthorized)

	_, err = svc.ResolveActor(ctx, 99)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
