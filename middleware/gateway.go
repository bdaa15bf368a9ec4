// middleware/gateway.go
package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"platform-sync/config"
)

const callerKey = "caller"

// Caller is an authenticated API client.
type Caller struct {
	Name         string
	Capabilities map[Capability]bool
}

func newCaller(cfg config.ClientConfig) Caller {
	caps := make(map[Capability]bool, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[Capability(c)] = true
	}
	return Caller{Name: cfg.Name, Capabilities: caps}
}

// TokenAuth resolves the bearer token to one of the configured clients.
func TokenAuth(clients []config.ClientConfig, log *logrus.Entry) fiber.Handler {
	log = log.WithField("component", "auth")
	callers := make([]Caller, len(clients))
	tokens := make([][]byte, len(clients))
	for i, cl := range clients {
		callers[i] = newCaller(cl)
		tokens[i] = []byte(cl.Token)
	}

	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		if header == "" {
			log.WithField("path", c.Path()).Warn("🚫 Missing Authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "authentication token missing",
			})
		}
		token := []byte(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))

		for i := range tokens {
			if subtle.ConstantTimeCompare(token, tokens[i]) == 1 {
				c.Locals(callerKey, callers[i])
				return c.Next()
			}
		}
		log.WithField("path", c.Path()).Warn("❌ Invalid API token")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid authentication token",
		})
	}
}

// CallerFrom returns the caller stored by TokenAuth.
func CallerFrom(c *fiber.Ctx) (Caller, bool) {
	caller, ok := c.Locals(callerKey).(Caller)
	return caller, ok
}
