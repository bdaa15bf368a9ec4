package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"platform-sync/models"
	"platform-sync/repository"
	"platform-sync/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db      *gorm.DB
	clock   *testutil.Clock
	events  *repository.EventStore
	ledger  *repository.Ledger
	links   *repository.LinkStore
	states  *repository.SyncStateStore
	grants  *repository.RoleGrantStore
	audit   *repository.SyncLogStore
	tg      *repository.PlatformUserStore
	ds      *repository.PlatformUserStore
	users   UserStores
	factory *EventFactory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewDB(t)
	h := &harness{
		db:     db,
		clock:  testutil.NewClock(t0),
		events: repository.NewEventStore(db),
		ledger: repository.NewLedger(db),
		links:  repository.NewLinkStore(db),
		states: repository.NewSyncStateStore(db),
		grants: repository.NewRoleGrantStore(db),
		audit:  repository.NewSyncLogStore(db),
		tg:     repository.NewPlatformUserStore(db, models.PlatformTelegram),
		ds:     repository.NewPlatformUserStore(db, models.PlatformDiscord),
	}
	h.users = UserStores{models.PlatformTelegram: h.tg, models.PlatformDiscord: h.ds}
	h.factory = NewEventFactory(h.events, testutil.Logger()).WithClock(h.clock.Now)
	return h
}

func (h *harness) processor(opts ...ProcessorOption) *EventProcessor {
	opts = append([]ProcessorOption{WithProcessorClock(h.clock.Now)}, opts...)
	return NewEventProcessor(h.events, h.links, h.states, h.factory, h.users, testutil.Logger(), opts...)
}

func (h *harness) linkService() *LinkService {
	return NewLinkService(h.links, h.audit, 15*time.Minute, testutil.Logger()).WithClock(h.clock.Now)
}

// link pairs owner with external through the real verification flow.
func (h *harness) link(t *testing.T, owner, external string) {
	t.Helper()
	svc := h.linkService()
	req, err := svc.CreateLinkRequest(context.Background(), owner)
	require.NoError(t, err)
	_, err = svc.VerifyLink(context.Background(), req.VerificationCode, external, "")
	require.NoError(t, err)
}

func (h *harness) user(t *testing.T, store *repository.PlatformUserStore, id string) models.PlatformUser {
	t.Helper()
	u, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return *u
}

// fakeRoleClient resolves names from roles and fails AddRoleToMember with
// addErr when set.
type fakeRoleClient struct {
	mu       sync.Mutex
	roles    map[string]string
	addErr   error
	findErr  error
	finds    int
	adds     int
	assigned map[string][]string
}

func newFakeRoleClient(roles map[string]string) *fakeRoleClient {
	return &fakeRoleClient{roles: roles, assigned: map[string][]string{}}
}

func (f *fakeRoleClient) FindRoleByName(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.findErr != nil {
		return "", f.findErr
	}
	id, ok := f.roles[name]
	if !ok {
		return "", Permanent(ErrRoleNotFound)
	}
	return id, nil
}

func (f *fakeRoleClient) AddRoleToMember(_ context.Context, memberID, roleID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if f.addErr != nil {
		return f.addErr
	}
	f.assigned[memberID] = append(f.assigned[memberID], roleID)
	return nil
}

var errUnavailable = errors.New("503 service unavailable")
