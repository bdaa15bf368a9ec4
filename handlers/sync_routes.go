// handlers/sync_routes.go
package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"platform-sync/middleware"
	"platform-sync/models"
	"platform-sync/repository"
	"platform-sync/services"
)

// SyncDeps is everything the sync API reads or drives.
type SyncDeps struct {
	Factory    *services.EventFactory
	Processor  *services.EventProcessor
	Reconciler *services.Reconciler
	Grants     *services.RoleGrantService
	Links      *services.LinkService
	Events     *repository.EventStore
	Ledger     *repository.Ledger
	States     *repository.SyncStateStore
	BatchSize  int
	Log        *logrus.Entry
}

type api struct {
	SyncDeps
	log *logrus.Entry
}

// SetupSyncRoutes mounts the API under /api/v1/sync. auth must resolve the
// caller; each handler checks its own capability.
func SetupSyncRoutes(app *fiber.App, deps SyncDeps, auth fiber.Handler) {
	if deps.BatchSize <= 0 {
		deps.BatchSize = 100
	}
	a := &api{SyncDeps: deps, log: deps.Log.WithField("component", "api")}

	app.Get("/api/v1/sync/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	g := app.Group("/api/v1/sync", auth)

	g.Post("/events/xp", a.createXPEvent)
	g.Post("/events/balance", a.createBalanceEvent)
	g.Post("/events/rank", a.createRankEvent)
	g.Post("/events/achievement", a.createAchievementEvent)
	g.Post("/events/reward", a.createRewardEvent)
	g.Get("/events/stats", a.eventStats)
	g.Post("/events/process", a.processEvents)
	g.Get("/events/:id", a.getEvent)
	g.Post("/events/:id/retry", a.retryEvent)

	g.Get("/users/:user_id/events", a.userEvents)
	g.Get("/users/:user_id/transactions", a.userTransactions)
	g.Get("/users/:user_id/state", a.userState)

	g.Post("/reconcile", a.reconcileAll)
	g.Post("/reconcile/:user_id", a.reconcileUser)

	g.Post("/links", a.createLink)
	g.Post("/links/verify", a.verifyLink)
	g.Get("/links/:owner_user_id", a.getLink)
	g.Delete("/links/:owner_user_id", a.revokeLink)

	g.Post("/role-grants", a.grantRole)
	g.Post("/role-grants/process", a.processRoleGrants)
	g.Get("/role-grants/:user_id", a.listRoleGrants)
}

// authorize writes the rejection and returns false when the caller lacks want.
func authorize(c *fiber.Ctx, want middleware.Capability) bool {
	res := middleware.Authorize(c, want)
	if res.Allowed {
		return true
	}
	status := fiber.StatusForbidden
	if res.Caller == "" {
		status = fiber.StatusUnauthorized
	}
	_ = c.Status(status).JSON(fiber.Map{"error": res.Reason})
	return false
}

func (a *api) internalError(c *fiber.Ctx, msg string, err error) error {
	a.log.WithError(err).WithField("path", c.Path()).Error("❌ " + msg)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": msg,
		"cause": err.Error(),
	})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func limitParam(c *fiber.Ctx) int {
	n := c.QueryInt("limit", 50)
	if n < 1 {
		return 1
	}
	if n > 500 {
		return 500
	}
	return n
}

// eventCreated maps factory results onto responses.
func (a *api) eventCreated(c *fiber.Ctx, ev *models.SyncEvent, err error) error {
	var perr *models.PayloadError
	switch {
	case errors.As(err, &perr):
		return badRequest(c, perr.Error())
	case errors.Is(err, services.ErrInvalidUserID):
		return badRequest(c, err.Error())
	case err != nil:
		return a.internalError(c, "failed to record event", err)
	}
	return c.Status(fiber.StatusCreated).JSON(ev)
}

type eventBase struct {
	UserID string          `json:"user_id"`
	Source models.Platform `json:"source"`
}

func (b eventBase) check() string {
	if err := services.ValidateUserID(b.UserID); err != nil {
		return "user_id must be non-empty and must not contain '_'"
	}
	if !b.Source.Valid() {
		return "source must be telegram or discord"
	}
	return ""
}

func (a *api) createXPEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapEventsWrite) {
		return nil
	}
	var body struct {
		eventBase
		DeltaXP  int64  `json:"delta_xp"`
		Reason   string `json:"reason"`
		EntityID string `json:"entity_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if msg := body.check(); msg != "" {
		return badRequest(c, msg)
	}
	ev, err := a.Factory.CreateXPChangeEvent(c.UserContext(), body.UserID, body.Source, body.DeltaXP, body.Reason, body.EntityID)
	return a.eventCreated(c, ev, err)
}

func (a *api) createBalanceEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapEventsWrite) {
		return nil
	}
	var body struct {
		eventBase
		DeltaBalance int64  `json:"delta_balance"`
		Reason       string `json:"reason"`
		EntityID     string `json:"entity_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if msg := body.check(); msg != "" {
		return badRequest(c, msg)
	}
	ev, err := a.Factory.CreateBalanceChangeEvent(c.UserContext(), body.UserID, body.Source, body.DeltaBalance, body.Reason, body.EntityID)
	return a.eventCreated(c, ev, err)
}

func (a *api) createRankEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapEventsWrite) {
		return nil
	}
	var body struct {
		eventBase
		OldRank      int    `json:"old_rank"`
		NewRank      int    `json:"new_rank"`
		CauseEventID string `json:"cause_event_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if msg := body.check(); msg != "" {
		return badRequest(c, msg)
	}
	ev, err := a.Factory.CreateRankChangeEvent(c.UserContext(), body.UserID, body.Source, body.OldRank, body.NewRank, body.CauseEventID)
	return a.eventCreated(c, ev, err)
}

func (a *api) createAchievementEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapEventsWrite) {
		return nil
	}
	var body struct {
		eventBase
		AchievementID string `json:"achievement_id"`
		Title         string `json:"title"`
		RoleName      string `json:"role_name"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if msg := body.check(); msg != "" {
		return badRequest(c, msg)
	}
	ev, err := a.Factory.CreateEvent(c.UserContext(), services.EventRequest{
		UserID:   body.UserID,
		Source:   body.Source,
		Payload:  models.AchievementPayload{AchievementID: body.AchievementID, Title: body.Title, RoleName: body.RoleName},
		EntityID: body.AchievementID,
	})
	return a.eventCreated(c, ev, err)
}

func (a *api) createRewardEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapEventsWrite) {
		return nil
	}
	var body struct {
		eventBase
		DeltaXP      int64  `json:"delta_xp"`
		DeltaBalance int64  `json:"delta_balance"`
		Reason       string `json:"reason"`
		EntityID     string `json:"entity_id"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if msg := body.check(); msg != "" {
		return badRequest(c, msg)
	}
	ev, err := a.Factory.CreateRewardEvent(c.UserContext(), body.UserID, body.Source, body.DeltaXP, body.DeltaBalance, body.Reason, body.EntityID)
	return a.eventCreated(c, ev, err)
}

func (a *api) eventStats(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	stats, err := a.Processor.GetStats(c.UserContext())
	if err != nil {
		return a.internalError(c, "failed to load event stats", err)
	}
	return c.JSON(stats)
}

func (a *api) getEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	ev, err := a.Events.GetByID(c.UserContext(), c.Params("id"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event not found"})
	}
	if err != nil {
		return a.internalError(c, "failed to load event", err)
	}
	return c.JSON(ev)
}

func (a *api) retryEvent(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncAdmin) {
		return nil
	}
	ok, err := a.Processor.RetryEvent(c.UserContext(), c.Params("id"))
	if err != nil {
		return a.internalError(c, "failed to retry event", err)
	}
	if !ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "event is not failed or has no retries left",
		})
	}
	return c.JSON(fiber.Map{"retried": true})
}

func (a *api) processEvents(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncAdmin) {
		return nil
	}
	stats, err := a.Processor.ProcessPending(c.UserContext(), a.BatchSize)
	if errors.Is(err, services.ErrDrainInProgress) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	if err != nil {
		return a.internalError(c, "failed to process events", err)
	}
	return c.JSON(stats)
}

func (a *api) userEvents(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	events, err := a.Events.ListByUser(c.UserContext(), c.Params("user_id"), limitParam(c))
	if err != nil {
		return a.internalError(c, "failed to list events", err)
	}
	return c.JSON(fiber.Map{"events": events})
}

func (a *api) userTransactions(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	txns, err := a.Ledger.ListByUser(c.UserContext(), c.Params("user_id"), limitParam(c))
	if err != nil {
		return a.internalError(c, "failed to list transactions", err)
	}
	return c.JSON(fiber.Map{"transactions": txns})
}

func (a *api) userState(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	st, err := a.States.Get(c.UserContext(), c.Params("user_id"))
	if errors.Is(err, repository.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no sync state for user"})
	}
	if err != nil {
		return a.internalError(c, "failed to load sync state", err)
	}
	return c.JSON(st)
}

func (a *api) reconcileAll(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncAdmin) {
		return nil
	}
	stats, err := a.Reconciler.ReconcileAll(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return a.internalError(c, "failed to reconcile", err)
	}
	return c.JSON(stats)
}

func (a *api) reconcileUser(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncAdmin) {
		return nil
	}
	return c.JSON(a.Reconciler.ReconcileUser(c.UserContext(), c.Params("user_id")))
}

func (a *api) createLink(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapLinksWrite) {
		return nil
	}
	var body struct {
		OwnerUserID string `json:"owner_user_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.OwnerUserID == "" {
		return badRequest(c, "owner_user_id is required")
	}
	link, err := a.Links.CreateLinkRequest(c.UserContext(), body.OwnerUserID)
	if err != nil {
		return a.internalError(c, "failed to create link request", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"code":       link.VerificationCode,
		"expires_at": link.ExpiresAt,
	})
}

func (a *api) verifyLink(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapLinksWrite) {
		return nil
	}
	var body struct {
		Code             string `json:"code"`
		ExternalUserID   string `json:"external_user_id"`
		ExternalUsername string `json:"external_username"`
	}
	if err := c.BodyParser(&body); err != nil || body.Code == "" || body.ExternalUserID == "" {
		return badRequest(c, "code and external_user_id are required")
	}
	link, err := a.Links.VerifyLink(c.UserContext(), body.Code, body.ExternalUserID, body.ExternalUsername)
	switch {
	case errors.Is(err, services.ErrLinkCodeInvalid):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, services.ErrLinkCodeExpired):
		return c.Status(fiber.StatusGone).JSON(fiber.Map{"error": err.Error()})
	case err != nil:
		return a.internalError(c, "failed to verify link", err)
	}
	return c.JSON(link)
}

func (a *api) getLink(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	link, err := a.Links.GetActiveLink(c.UserContext(), c.Params("owner_user_id"))
	if err != nil {
		return a.internalError(c, "failed to load link", err)
	}
	if link == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active link"})
	}
	return c.JSON(link)
}

func (a *api) revokeLink(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapLinksWrite) {
		return nil
	}
	revoked, err := a.Links.RevokeLink(c.UserContext(), c.Params("owner_user_id"))
	if err != nil {
		return a.internalError(c, "failed to revoke link", err)
	}
	return c.JSON(fiber.Map{"revoked": revoked})
}

func (a *api) grantRole(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapRolesWrite) {
		return nil
	}
	var body struct {
		UserID     string                `json:"user_id"`
		RoleName   string                `json:"role_name"`
		ReasonType models.RoleReasonType `json:"reason_type"`
		ReasonID   string                `json:"reason_id"`
	}
	if err := c.BodyParser(&body); err != nil || body.UserID == "" || body.RoleName == "" {
		return badRequest(c, "user_id and role_name are required")
	}
	if !body.ReasonType.Valid() {
		return badRequest(c, "reason_type must be achievement, season_reward or rank")
	}
	ok, err := a.Grants.GrantRole(c.UserContext(), body.UserID, body.RoleName, body.ReasonType, body.ReasonID)
	if err != nil {
		return a.internalError(c, "failed to grant role", err)
	}
	return c.JSON(fiber.Map{"granted": ok})
}

func (a *api) listRoleGrants(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncRead) {
		return nil
	}
	grants, err := a.Grants.ListGrants(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return a.internalError(c, "failed to list role grants", err)
	}
	return c.JSON(fiber.Map{"grants": grants})
}

func (a *api) processRoleGrants(c *fiber.Ctx) error {
	if !authorize(c, middleware.CapSyncAdmin) {
		return nil
	}
	stats, err := a.Grants.ProcessPendingRoleGrants(c.UserContext(), a.BatchSize)
	if err != nil {
		return a.internalError(c, "failed to process role grants", err)
	}
	return c.JSON(stats)
}
