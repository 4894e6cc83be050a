package api

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/SiriusScan/code-audit/sirius"
	"github.com/SiriusScan/code-audit/sirius/store"
	"github.com/SiriusScan/code-audit/sirius/trust"
)

// Context keys set by the auth middleware.
const (
	ctxIdentity = "identity"
	ctxAPIKey   = "api_key"
)

// TrustChecker is the part of *trust.Gate the middleware needs.
type TrustChecker interface {
	CheckAllowed(ctx context.Context, id trust.Identity) trust.Decision
	RecordStrike(ctx context.Context, typ sirius.IdentityType, value, reason string) (int, error)
}

func apiKeyFromRequest(c *gin.Context) string {
	if k := c.GetHeader("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// TrustMiddleware authenticates the API key and runs the trust gate for the
// request's IP, key, tenant and user. Bans are checked before rate limits,
// and both before any handler runs.
func TrustMiddleware(kv store.KVStore, gate TrustChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := trust.Identity{IP: c.ClientIP()}

		raw := apiKeyFromRequest(c)
		meta, err := store.ValidateAPIKey(ctx, kv, raw)
		if raw == "" || err != nil {
			// Banned IPs are refused before they learn anything about the key.
			if d := gate.CheckAllowed(ctx, id); !d.Allowed {
				deny(c, d)
				return
			}
			if errors.Is(err, store.ErrAPIKeyInactive) {
				abortJSON(c, http.StatusForbidden, "api_key_inactive", "API key is deactivated", nil)
				return
			}
			if raw != "" {
				if _, serr := gate.RecordStrike(ctx, sirius.IdentityIP, id.IP, "invalid API key"); serr != nil {
					slog.Warn("Failed to record strike", "ip", id.IP, "error", serr)
				}
			}
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing or invalid API key", nil)
			return
		}

		id.APIKeyHash = meta.ID
		id.TenantID = meta.TenantID
		id.UserID = meta.UserID
		if d := gate.CheckAllowed(ctx, id); !d.Allowed {
			deny(c, d)
			return
		}

		c.Set(ctxIdentity, id)
		c.Set(ctxAPIKey, meta)
		c.Next()
	}
}

func deny(c *gin.Context, d trust.Decision) {
	details := gin.H{"identity_type": d.IdentityType}
	if d.Reason == trust.ReasonRateLimited {
		secs := int(math.Ceil(d.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(secs))
		details["retry_after_seconds"] = secs
		abortJSON(c, http.StatusTooManyRequests, d.Reason, "rate limit exceeded", details)
		return
	}
	if d.BannedUntil != nil {
		details["banned_until"] = d.BannedUntil
	}
	abortJSON(c, http.StatusForbidden, d.Reason, "access denied", details)
}

func abortJSON(c *gin.Context, status int, code, msg string, details gin.H) {
	body := gin.H{"error": msg, "code": code}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(status, body)
}

func identity(c *gin.Context) trust.Identity {
	v, _ := c.Get(ctxIdentity)
	id, _ := v.(trust.Identity)
	return id
}
