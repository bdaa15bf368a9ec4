// middleware/auth.go
package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// Capability names one class of API operation.
type Capability string

const (
	CapEventsWrite Capability = "events:write"
	CapLinksWrite  Capability = "links:write"
	CapRolesWrite  Capability = "roles:write"
	CapSyncRead    Capability = "sync:read"
	CapSyncAdmin   Capability = "sync:admin"
)

// AuthResult is the outcome of a capability check.
type AuthResult struct {
	Allowed bool
	Caller  string
	Reason  string
}

// Authorize checks the request's caller for want. sync:admin grants every
// capability.
func Authorize(c *fiber.Ctx, want Capability) AuthResult {
	caller, ok := CallerFrom(c)
	if !ok {
		return AuthResult{Reason: "unauthenticated"}
	}
	if caller.Capabilities[want] || caller.Capabilities[CapSyncAdmin] {
		return AuthResult{Allowed: true, Caller: caller.Name}
	}
	return AuthResult{Caller: caller.Name, Reason: "missing capability " + string(want)}
}

// Require rejects requests whose caller lacks want.
func Require(want Capability) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res := Authorize(c, want)
		if res.Allowed {
			return c.Next()
		}
		status := fiber.StatusForbidden
		if res.Caller == "" {
			status = fiber.StatusUnauthorized
		}
		return c.Status(status).JSON(fiber.Map{"error": res.Reason})
	}
}
