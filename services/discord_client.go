// services/discord_client.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"golang.org/x/text/cases"

	"platform-sync/utils"
)

type DiscordRole struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
	Managed  bool   `json:"managed"`
}

type DiscordMember struct {
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	Nick  *string  `json:"nick,omitempty"`
	Roles []string `json:"roles"`
}

// APIError is a non-2xx response from the Discord API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api returned %d: %s", e.StatusCode, e.Body)
}

// DiscordClient talks to the Discord REST API for a single guild.
type DiscordClient struct {
	BaseURL string
	Token   string
	GuildID string
	Client  *http.Client
}

func NewDiscordClient(baseURL, token, guildID string, timeout time.Duration) *DiscordClient {
	return &DiscordClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		GuildID: guildID,
		Client:  utils.NewHTTPClient(timeout),
	}
}

func (c *DiscordClient) do(ctx context.Context, method, path, auditReason string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("Content-Type", "application/json")
	if auditReason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(auditReason))
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusNotFound {
			return Permanent(apiErr)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *DiscordClient) guildPath(format string, args ...any) string {
	return "/guilds/" + url.PathEscape(c.GuildID) + fmt.Sprintf(format, args...)
}

func (c *DiscordClient) ListRoles(ctx context.Context) ([]DiscordRole, error) {
	var roles []DiscordRole
	if err := c.do(ctx, http.MethodGet, c.guildPath("/roles"), "", &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// FindRoleByName resolves a role name to its id. Names match exactly first,
// then case-insensitively, then by slug so "Top Player!" matches "top player".
// A missing role is a permanent ErrRoleNotFound.
func (c *DiscordClient) FindRoleByName(ctx context.Context, name string) (string, error) {
	roles, err := c.ListRoles(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range roles {
		if r.Name == name {
			return r.ID, nil
		}
	}
	fold := cases.Fold()
	want := fold.String(name)
	for _, r := range roles {
		if fold.String(r.Name) == want {
			return r.ID, nil
		}
	}
	if wantSlug := slug.Make(name); wantSlug != "" {
		for _, r := range roles {
			if slug.Make(r.Name) == wantSlug {
				return r.ID, nil
			}
		}
	}
	return "", Permanent(fmt.Errorf("%w: %s", ErrRoleNotFound, name))
}

func (c *DiscordClient) AddRoleToMember(ctx context.Context, memberID, roleID, reason string) error {
	path := c.guildPath("/members/%s/roles/%s", url.PathEscape(memberID), url.PathEscape(roleID))
	return c.do(ctx, http.MethodPut, path, reason, nil)
}

func (c *DiscordClient) RemoveRoleFromMember(ctx context.Context, memberID, roleID, reason string) error {
	path := c.guildPath("/members/%s/roles/%s", url.PathEscape(memberID), url.PathEscape(roleID))
	return c.do(ctx, http.MethodDelete, path, reason, nil)
}

func (c *DiscordClient) GetMember(ctx context.Context, memberID string) (*DiscordMember, error) {
	var m DiscordMember
	if err := c.do(ctx, http.MethodGet, c.guildPath("/members/%s", url.PathEscape(memberID)), "", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// TestConnection checks that the bot token is accepted.
func (c *DiscordClient) TestConnection(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/users/@me", "", nil)
}
