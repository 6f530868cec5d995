package authorization

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Config   config.Config
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	keys     []config.OperatorKey
	enforcer *casbin.SyncedEnforcer

	mu       sync.RWMutex
	verified map[string]Operator
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		keys:     p.Config.Operator.Keys,
		enforcer: p.Enforcer,
		verified: make(map[string]Operator),
	}
}

func (s *ServiceImpl) Authenticate(ctx context.Context, key string) (Operator, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Operator{}, ErrUnauthorized
	}

	digest := sha256.Sum256([]byte(key))
	fingerprint := hex.EncodeToString(digest[:])

	s.mu.RLock()
	op, ok := s.verified[fingerprint]
	s.mu.RUnlock()
	if ok {
		return op, nil
	}

	// verified keys are cached by digest
	for _, candidate := range s.keys {
		if !VerifyKey(key, candidate.Hash) {
			continue
		}
		op = Operator{Name: candidate.Name, Role: normalizeRole(candidate.Role)}
		s.mu.Lock()
		s.verified[fingerprint] = op
		s.mu.Unlock()
		return op, nil
	}

	logger.WithContext(ctx, s.log).Warn("authorization.key.rejected")
	return Operator{}, ErrUnauthorized
}

func (s *ServiceImpl) Authorize(ctx context.Context, operator Operator, object, action string) error {
	if strings.TrimSpace(operator.Name) == "" {
		return ErrInvalidActor
	}
	role := normalizeRole(operator.Role)
	if role != RoleOperator && role != RoleAdmin {
		return ErrInvalidRole
	}

	subject := operator.Subject()
	if err := s.ensureGrouping(subject, role); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, strings.TrimSpace(object), strings.TrimSpace(action))
	if err != nil {
		return err
	}
	if !allowed {
		logger.WithContext(ctx, s.log).Info("authorization.denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// ensureGrouping keeps exactly one role link per operator so a role change
// in config takes effect on the next request.
func (s *ServiceImpl) ensureGrouping(subject, role string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == role {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		_, _ = s.enforcer.RemoveGroupingPolicy(params...)
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

func normalizeRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if role != "" && !strings.HasPrefix(role, "role:") {
		role = "role:" + role
	}
	return role
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleOperator, ObjectDiagnostics, ActionView},

		{RoleAdmin, ObjectDiagnostics, ActionView},
		{RoleAdmin, ObjectDiagnostics, ActionRepair},
	}
	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
