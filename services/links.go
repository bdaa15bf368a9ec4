// services/links.go
package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"platform-sync/models"
	"platform-sync/repository"
)

const codeAttempts = 5

// LinkService issues and verifies pairing codes between a primary account
// and a linked-platform account.
type LinkService struct {
	links   *repository.LinkStore
	audit   *repository.SyncLogStore
	codeTTL time.Duration
	newCode func() (string, error)
	clock   func() time.Time
	log     *logrus.Entry
}

func NewLinkService(links *repository.LinkStore, audit *repository.SyncLogStore, codeTTL time.Duration, log *logrus.Entry) *LinkService {
	if codeTTL <= 0 {
		codeTTL = 15 * time.Minute
	}
	return &LinkService{
		links:   links,
		audit:   audit,
		codeTTL: codeTTL,
		newCode: sixDigitCode,
		clock:   func() time.Time { return time.Now().UTC() },
		log:     log.WithField("component", "links"),
	}
}

func (s *LinkService) WithClock(clock func() time.Time) *LinkService {
	s.clock = clock
	return s
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// CreateLinkRequest issues a fresh code for owner. Older pending requests of
// the same owner are expired.
func (s *LinkService) CreateLinkRequest(ctx context.Context, ownerUserID string) (*models.PlatformLink, error) {
	if ownerUserID == "" {
		return nil, errors.New("owner user id is required")
	}

	var code string
	for i := 0; i < codeAttempts; i++ {
		c, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate link code: %w", err)
		}
		inUse, err := s.links.CodeInUse(ctx, c)
		if err != nil {
			return nil, err
		}
		if !inUse {
			code = c
			break
		}
	}
	if code == "" {
		return nil, errors.New("could not allocate a unique link code")
	}

	now := s.clock()
	link := &models.PlatformLink{
		OwnerUserID:      ownerUserID,
		ExternalPlatform: models.LinkedPlatform,
		VerificationCode: code,
		Status:           models.LinkStatusPending,
		ExpiresAt:        now.Add(s.codeTTL),
	}
	if err := s.links.CreatePending(ctx, link); err != nil {
		return nil, err
	}
	s.log.WithField("owner_user_id", ownerUserID).Info("🔗 Link code issued")
	return link, nil
}

// VerifyLink consumes code on behalf of externalUserID. Expired codes are
// marked expired and reported as ErrLinkCodeExpired.
func (s *LinkService) VerifyLink(ctx context.Context, code, externalUserID, externalUsername string) (*models.PlatformLink, error) {
	if externalUserID == "" {
		return nil, errors.New("external user id is required")
	}
	link, err := s.links.FindPendingByCode(ctx, code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrLinkCodeInvalid
	}
	if err != nil {
		return nil, err
	}

	now := s.clock()
	if link.IsExpired(now) {
		if err := s.links.MarkExpired(ctx, link.ID); err != nil {
			return nil, err
		}
		return nil, ErrLinkCodeExpired
	}

	if err := s.links.Activate(ctx, link, externalUserID, externalUsername, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrLinkCodeInvalid
		}
		return nil, err
	}

	s.record(ctx, link.OwnerUserID, &externalUserID, models.SyncActionLinkCreated, map[string]any{"link_id": link.ID})
	s.log.WithFields(logrus.Fields{"owner_user_id": link.OwnerUserID, "external_user_id": externalUserID}).
		Info("✅ Accounts linked")
	return link, nil
}

// GetActiveLink returns the owner's active link, or nil when there is none.
func (s *LinkService) GetActiveLink(ctx context.Context, ownerUserID string) (*models.PlatformLink, error) {
	link, found, err := s.links.FindActiveByOwner(ctx, ownerUserID)
	if err != nil || !found {
		return nil, err
	}
	return link, nil
}

func (s *LinkService) GetActiveLinkByExternal(ctx context.Context, externalUserID string) (*models.PlatformLink, error) {
	link, found, err := s.links.FindActiveByExternal(ctx, externalUserID)
	if err != nil || !found {
		return nil, err
	}
	return link, nil
}

func (s *LinkService) RevokeLink(ctx context.Context, ownerUserID string) (bool, error) {
	revoked, err := s.links.RevokeActive(ctx, ownerUserID, s.clock())
	if err != nil {
		return false, err
	}
	if revoked {
		s.record(ctx, ownerUserID, nil, models.SyncActionLinkRevoked, nil)
		s.log.WithField("owner_user_id", ownerUserID).Info("🔓 Link revoked")
	}
	return revoked, nil
}

// ExpireOldCodes expires every pending request past its deadline.
func (s *LinkService) ExpireOldCodes(ctx context.Context) (int64, error) {
	return s.links.ExpirePendingBefore(ctx, s.clock())
}

func (s *LinkService) record(ctx context.Context, owner string, external *string, action models.SyncAction, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, owner, external, action, details, nil); err != nil {
		s.log.WithError(err).Warn("⚠️ Failed to write sync log")
	}
}
