// Package identity resolves principals, enforces tenant status, roles, and
// quotas, and writes the authorization audit trail.
package identity

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tidemark-io/tidemark/internal/entities"
	"github.com/tidemark-io/tidemark/internal/errors"
	"github.com/tidemark-io/tidemark/internal/logger"
	"github.com/tidemark-io/tidemark/internal/repository"
)

// Principal kinds.
const (
	PrincipalUser   = "user"
	PrincipalDevice = "device"
)

// Roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Principal identifies the acting user or device.
type Principal struct {
	ID   string
	Kind string
}

// AuthContext is the resolved identity for one inbound operation.
type AuthContext struct {
	Principal Principal
	Tenant    *entities.Tenant
	Roles     []string
}

// roleGrants maps each role to the action verbs it may perform on each
// resource. "*" grants every verb.
var roleGrants = map[string]map[string]string{
	RoleAdmin: {
		"tenants": "*", "devices": "*", "rules": "*", "alerts": "*",
		"escalations": "*", "rotations": "*", "retention": "*",
		"readings": "*", "audit": "read", "deadletters": "read",
	},
	RoleOperator: {
		"devices": "*", "rules": "*", "alerts": "*",
		"escalations": "*", "rotations": "*", "retention": "*",
		"readings": "read", "deadletters": "read",
	},
	RoleViewer: {
		"devices": "read", "rules": "read", "alerts": "read",
		"escalations": "read", "rotations": "read", "retention": "read",
		"readings": "read",
	},
}

// Resolver authenticates credentials and loads the owning tenant.
type Resolver struct {
	tenants    repository.TenantRepository
	devices    repository.DeviceRepository
	ops        repository.OpsRepository
	signingKey []byte
	log        logger.Logger
}

// NewResolver creates a Resolver.
func NewResolver(
	tenants repository.TenantRepository,
	devices repository.DeviceRepository,
	ops repository.OpsRepository,
	signingKey string,
	log logger.Logger,
) *Resolver {
	return &Resolver{
		tenants:    tenants,
		devices:    devices,
		ops:        ops,
		signingKey: []byte(signingKey),
		log:        log,
	}
}

type claims struct {
	TenantID string   `json:"tenant"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// ResolveBearer verifies a JWT bearer token and returns the auth context.
func (r *Resolver) ResolveBearer(ctx context.Context, token string) (*AuthContext, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf(errors.KindUnauthenticated, "unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, errors.New(errors.KindUnauthenticated, "invalid bearer token")
	}
	if c.TenantID == "" || c.Subject == "" {
		return nil, errors.New(errors.KindUnauthenticated, "token missing tenant or subject")
	}
	tenant, err := r.loadActiveTenant(ctx, c.TenantID)
	if err != nil {
		return nil, err
	}
	return &AuthContext{
		Principal: Principal{ID: c.Subject, Kind: PrincipalUser},
		Tenant:    tenant,
		Roles:     c.Roles,
	}, nil
}

// ResolveDevice verifies a device id + shared key pair. The returned
// context carries the device's tenant; the device never names it.
func (r *Resolver) ResolveDevice(ctx context.Context, deviceID, secret string) (*AuthContext, *entities.Device, error) {
	device, err := r.devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDeviceNotFound) {
			return nil, nil, errors.New(errors.KindUnauthenticated, "unknown device")
		}
		return nil, nil, errors.Wrap(errors.KindInternal, "device lookup failed", err)
	}
	if subtle.ConstantTimeCompare([]byte(device.SharedSecret), []byte(secret)) != 1 {
		return nil, nil, errors.New(errors.KindUnauthenticated, "invalid device key")
	}
	if device.Status == entities.DeviceDisabled {
		return nil, nil, errors.New(errors.KindForbidden, "device disabled")
	}
	tenant, err := r.loadActiveTenant(ctx, device.TenantID)
	if err != nil {
		return nil, nil, err
	}
	return &AuthContext{
		Principal: Principal{ID: device.ID, Kind: PrincipalDevice},
		Tenant:    tenant,
		Roles:     nil,
	}, device, nil
}

func (r *Resolver) loadActiveTenant(ctx context.Context, tenantID string) (*entities.Tenant, error) {
	tenant, err := r.tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrTenantNotFound) {
			return nil, errors.New(errors.KindNotFound, "tenant not found")
		}
		return nil, errors.Wrap(errors.KindInternal, "tenant lookup failed", err)
	}
	if tenant.Status != entities.TenantActive {
		return nil, errors.New(errors.KindTenantInactive, "tenant is not active")
	}
	return tenant, nil
}

// Authorize checks the role set against an action of the form
// "resource:verb". Device principals may only write readings.
func Authorize(auth *AuthContext, action string) error {
	resource, verb, ok := strings.Cut(action, ":")
	if !ok {
		return errors.Newf(errors.KindInternal, "malformed action %q", action)
	}
	if auth.Principal.Kind == PrincipalDevice {
		if action == "readings:write" {
			return nil
		}
		return errors.New(errors.KindForbidden, "device principals may only write readings")
	}
	for _, role := range auth.Roles {
		grants, ok := roleGrants[role]
		if !ok {
			continue
		}
		if allowed, ok := grants[resource]; ok && (allowed == "*" || allowed == verb) {
			return nil
		}
	}
	return errors.Newf(errors.KindForbidden, "action %s not permitted", action)
}

// Audit records an authorization decision. Failures are logged, never
// propagated: audit writes must not fail the guarded operation.
func (r *Resolver) Audit(ctx context.Context, auth *AuthContext, action, resource, decision, correlationID string) {
	record := &entities.AuditRecord{
		TenantID:      auth.Tenant.ID,
		Principal:     auth.Principal.ID,
		Action:        action,
		Resource:      resource,
		Decision:      decision,
		CorrelationID: correlationID,
		At:            time.Now().UTC(),
	}
	if err := r.ops.AppendAudit(ctx, record); err != nil {
		r.log.Error("failed to write audit record",
			logger.String("tenant_id", auth.Tenant.ID),
			logger.String("action", action),
			logger.Error(err))
	}
}

// MintToken issues a signed bearer token. Used by tests and operator
// tooling; the platform does not run an identity provider itself.
func MintToken(signingKey, subject, tenantID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TenantID: tenantID,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(signingKey))
}
