// services/role_grants.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"platform-sync/models"
	"platform-sync/repository"
)

// RoleClient assigns roles on the external platform. Both calls go over the
// network and may fail or time out.
type RoleClient interface {
	FindRoleByName(ctx context.Context, name string) (string, error)
	AddRoleToMember(ctx context.Context, memberID, roleID, reason string) error
}

type RoleGrantStats struct {
	Disabled bool `json:"disabled,omitempty"`
	Total    int  `json:"total"`
	Granted  int  `json:"granted"`
	Failed   int  `json:"failed"`
}

// RoleGrantService records role grants and executes them against the
// external platform with bounded retries. A nil client disables execution;
// grants are then recorded and stay pending.
type RoleGrantService struct {
	grants     *repository.RoleGrantStore
	links      *repository.LinkStore
	audit      *repository.SyncLogStore
	client     RoleClient
	maxRetries int
	clock      func() time.Time
	log        *logrus.Entry
}

func NewRoleGrantService(
	grants *repository.RoleGrantStore,
	links *repository.LinkStore,
	audit *repository.SyncLogStore,
	client RoleClient,
	maxRetries int,
	log *logrus.Entry,
) *RoleGrantService {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RoleGrantService{
		grants:     grants,
		links:      links,
		audit:      audit,
		client:     client,
		maxRetries: maxRetries,
		clock:      func() time.Time { return time.Now().UTC() },
		log:        log.WithField("component", "role_grants"),
	}
}

func (s *RoleGrantService) Enabled() bool { return s.client != nil }

// GrantRole records a grant for the user's linked account and, when a client
// is configured, tries it right away. It returns false without error when the
// user has no active link or the grant could not be executed.
func (s *RoleGrantService) GrantRole(ctx context.Context, userID, roleName string, reasonType models.RoleReasonType, reasonID string) (bool, error) {
	if !reasonType.Valid() {
		return false, fmt.Errorf("invalid role reason type %q", reasonType)
	}
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "role": roleName, "reason": reasonType, "reason_id": reasonID})

	link, linked, err := s.links.FindActiveByOwner(ctx, userID)
	if err != nil {
		return false, err
	}
	if !linked || link.ExternalUserID == nil {
		log.Warn("⚠️ Role grant skipped, user has no active link")
		return false, nil
	}

	grant, created, err := s.grants.GetOrCreate(ctx, &models.RoleGrant{
		OwnerUserID:    userID,
		ExternalUserID: *link.ExternalUserID,
		RoleName:       roleName,
		ReasonType:     reasonType,
		ReasonID:       reasonID,
	})
	if err != nil {
		return false, err
	}
	if created {
		log.WithField("grant_id", grant.ID).Info("🎖️ Role grant recorded")
	}

	switch {
	case grant.IsGranted:
		return true, nil
	case s.client == nil:
		log.Debug("role sync disabled, grant left pending")
		return true, nil
	case grant.Exhausted(s.maxRetries):
		return false, nil
	}
	return s.execute(ctx, grant)
}

func (s *RoleGrantService) execute(ctx context.Context, g *models.RoleGrant) (bool, error) {
	log := s.log.WithFields(logrus.Fields{"grant_id": g.ID, "role": g.RoleName, "member": g.ExternalUserID})

	roleID := ""
	if g.RoleID != nil {
		roleID = *g.RoleID
	} else {
		id, err := s.client.FindRoleByName(ctx, g.RoleName)
		if err != nil {
			if IsPermanent(err) || errors.Is(err, ErrRoleNotFound) {
				return false, s.failPermanently(ctx, g, fmt.Errorf("resolve role %q: %w", g.RoleName, err), log)
			}
			return false, s.failRetryable(ctx, g, fmt.Errorf("resolve role %q: %w", g.RoleName, err), log)
		}
		roleID = id
	}

	reason := fmt.Sprintf("%s: %s", g.ReasonType, g.ReasonID)
	if err := s.client.AddRoleToMember(ctx, g.ExternalUserID, roleID, reason); err != nil {
		if IsPermanent(err) {
			return false, s.failPermanently(ctx, g, err, log)
		}
		return false, s.failRetryable(ctx, g, err, log)
	}

	now := s.clock()
	if err := s.grants.MarkGranted(ctx, g.ID, roleID, now); err != nil {
		return false, err
	}
	g.IsGranted, g.RoleID, g.GrantedAt, g.ErrorMessage = true, &roleID, &now, nil
	s.record(ctx, g, models.SyncActionRoleGranted, map[string]any{"role_id": roleID}, nil)
	log.Info("✅ Role granted")
	return true, nil
}

func (s *RoleGrantService) failRetryable(ctx context.Context, g *models.RoleGrant, cause error, log *logrus.Entry) error {
	log.WithError(cause).WithField("retries", g.Retries+1).Warn("⚠️ Role grant failed, will retry")
	if err := s.grants.MarkFailed(ctx, g.ID, cause.Error()); err != nil {
		return err
	}
	g.Retries++
	s.record(ctx, g, models.SyncActionRoleGrantFailed, map[string]any{"retries": g.Retries}, cause)
	return nil
}

func (s *RoleGrantService) failPermanently(ctx context.Context, g *models.RoleGrant, cause error, log *logrus.Entry) error {
	log.WithError(cause).Error("❌ Role grant failed permanently")
	if err := s.grants.MarkPermanentlyFailed(ctx, g.ID, cause.Error(), s.maxRetries); err != nil {
		return err
	}
	g.Retries = s.maxRetries
	s.record(ctx, g, models.SyncActionRoleGrantFailed, map[string]any{"permanent": true}, cause)
	return nil
}

func (s *RoleGrantService) record(ctx context.Context, g *models.RoleGrant, action models.SyncAction, details map[string]any, cause error) {
	if s.audit == nil {
		return
	}
	details["role_name"] = g.RoleName
	details["reason_type"] = g.ReasonType
	details["reason_id"] = g.ReasonID
	ext := g.ExternalUserID
	if err := s.audit.Record(ctx, g.OwnerUserID, &ext, action, details, cause); err != nil {
		s.log.WithError(err).Warn("⚠️ Failed to write sync log")
	}
}

// ProcessPendingRoleGrants retries every ungranted grant that still has
// retries left.
func (s *RoleGrantService) ProcessPendingRoleGrants(ctx context.Context, limit int) (RoleGrantStats, error) {
	if s.client == nil {
		return RoleGrantStats{Disabled: true}, nil
	}
	grants, err := s.grants.ListPending(ctx, s.maxRetries, limit)
	if err != nil {
		return RoleGrantStats{}, err
	}

	work := context.WithoutCancel(ctx)
	var stats RoleGrantStats
	for i := range grants {
		if ctx.Err() != nil {
			break
		}
		stats.Total++
		ok, err := s.execute(work, &grants[i])
		if err != nil {
			s.log.WithError(err).WithField("grant_id", grants[i].ID).Error("❌ Role grant bookkeeping failed")
		}
		if ok {
			stats.Granted++
		} else {
			stats.Failed++
		}
	}
	if stats.Total > 0 {
		s.log.WithFields(logrus.Fields{"total": stats.Total, "granted": stats.Granted, "failed": stats.Failed}).
			Info("🔁 Role grant sweep finished")
	}
	return stats, nil
}

func (s *RoleGrantService) ListGrants(ctx context.Context, userID string) ([]models.RoleGrant, error) {
	return s.grants.ListByOwner(ctx, userID)
}
