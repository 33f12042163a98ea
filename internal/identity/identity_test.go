package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
)

const testSigningKey = "test-signing-key"

type resolverFixture struct {
	resolver *Resolver
	tenants  repository.TenantRepository
	devices  repository.DeviceRepository
	ops      repository.OpsRepository
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	db, err := repository.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))

	f := &resolverFixture{
		tenants: repository.NewTenantRepository(db),
		devices: repository.NewDeviceRepository(db),
		ops:     repository.NewOpsRepository(db),
	}
	f.resolver = NewResolver(f.tenants, f.devices, f.ops, testSigningKey, logger.NewNop())

	ctx := context.Background()
	require.NoError(t, f.tenants.Create(ctx, &entities.Tenant{
		ID: "t1", Slug: "acme", Status: entities.TenantActive,
	}))
	require.NoError(t, f.devices.Create(ctx, &entities.Device{
		ID: "d1", TenantID: "t1", Name: "pump-1",
		SharedSecret: "s3cret", Status: entities.DeviceOnline,
	}))
	return f
}

func TestResolveBearer_RoundTrip(t *testing.T) {
	f := newResolverFixture(t)
	token, err := MintToken(testSigningKey, "alice", "t1", []string{RoleOperator}, time.Hour)
	require.NoError(t, err)

	auth, err := f.resolver.ResolveBearer(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", auth.Principal.ID)
	assert.Equal(t, PrincipalUser, auth.Principal.Kind)
	assert.Equal(t, "t1", auth.Tenant.ID)
	assert.Equal(t, []string{RoleOperator}, auth.Roles)
}

func TestResolveBearer_Rejections(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	_, err := f.resolver.ResolveBearer(ctx, "garbage")
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))

	forged, err := MintToken("other-key", "alice", "t1", nil, time.Hour)
	require.NoError(t, err)
	_, err = f.resolver.ResolveBearer(ctx, forged)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated), "a foreign signing key never verifies")

	expired, err := MintToken(testSigningKey, "alice", "t1", nil, -time.Minute)
	require.NoError(t, err)
	_, err = f.resolver.ResolveBearer(ctx, expired)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))

	noTenant, err := MintToken(testSigningKey, "alice", "", nil, time.Hour)
	require.NoError(t, err)
	_, err = f.resolver.ResolveBearer(ctx, noTenant)
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))
}

func TestResolveBearer_InactiveTenant(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	tenant, err := f.tenants.Get(ctx, "t1")
	require.NoError(t, err)
	tenant.Status = entities.TenantSuspended
	require.NoError(t, f.tenants.Update(ctx, tenant))

	token, err := MintToken(testSigningKey, "alice", "t1", []string{RoleAdmin}, time.Hour)
	require.NoError(t, err)
	_, err = f.resolver.ResolveBearer(ctx, token)
	assert.True(t, errors.IsKind(err, errors.KindTenantInactive))
}

func TestResolveDevice(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	auth, device, err := f.resolver.ResolveDevice(ctx, "d1", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, PrincipalDevice, auth.Principal.Kind)
	assert.Equal(t, "t1", auth.Tenant.ID, "the tenant comes from the device record")
	assert.Equal(t, "d1", device.ID)

	_, _, err = f.resolver.ResolveDevice(ctx, "d1", "wrong")
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated))

	_, _, err = f.resolver.ResolveDevice(ctx, "ghost", "s3cret")
	assert.True(t, errors.IsKind(err, errors.KindUnauthenticated), "unknown devices are indistinguishable from bad keys")

	require.NoError(t, f.devices.UpdateStatus(ctx, "d1", entities.DeviceDisabled))
	_, _, err = f.resolver.ResolveDevice(ctx, "d1", "s3cret")
	assert.True(t, errors.IsKind(err, errors.KindForbidden))
}

func TestAuthorize_RoleGrants(t *testing.T) {
	tenant := &entities.Tenant{ID: "t1"}
	userAuth := func(roles ...string) *AuthContext {
		return &AuthContext{
			Principal: Principal{ID: "alice", Kind: PrincipalUser},
			Tenant:    tenant,
			Roles:     roles,
		}
	}

	tests := []struct {
		name    string
		auth    *AuthContext
		action  string
		allowed bool
	}{
		{"admin writes tenants", userAuth(RoleAdmin), "tenants:write", true},
		{"admin reads audit", userAuth(RoleAdmin), "audit:read", true},
		{"operator manages rules", userAuth(RoleOperator), "rules:write", true},
		{"operator cannot write readings", userAuth(RoleOperator), "readings:write", false},
		{"operator cannot read audit", userAuth(RoleOperator), "audit:read", false},
		{"viewer reads alerts", userAuth(RoleViewer), "alerts:read", true},
		{"viewer cannot ack alerts", userAuth(RoleViewer), "alerts:write", false},
		{"no roles no access", userAuth(), "alerts:read", false},
		{"unknown role ignored", userAuth("superuser"), "alerts:read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.auth, tt.action)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsKind(err, errors.KindForbidden))
			}
		})
	}
}

func TestAuthorize_DevicePrincipal(t *testing.T) {
	auth := &AuthContext{
		Principal: Principal{ID: "d1", Kind: PrincipalDevice},
		Tenant:    &entities.Tenant{ID: "t1"},
	}
	assert.NoError(t, Authorize(auth, "readings:write"))

	for _, action := range []string{"readings:read", "alerts:read", "devices:write"} {
		assert.True(t, errors.IsKind(Authorize(auth, action), errors.KindForbidden), action)
	}
}

func TestAudit_WritesRecord(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	auth := &AuthContext{
		Principal: Principal{ID: "alice", Kind: PrincipalUser},
		Tenant:    &entities.Tenant{ID: "t1"},
	}

	f.resolver.Audit(ctx, auth, "alerts:write", "alert/a1", "allow", "corr-1")

	records, _, err := f.ops.ListAudit(ctx, "t1", repository.Page{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].Principal)
	assert.Equal(t, "allow", records[0].Decision)
	assert.Equal(t, "corr-1", records[0].CorrelationID)
}
