package api

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/pkg/model"
)

const agentKey = "gitswarm.agent"

// authenticate resolves the bearer API key and attaches the agent to
// the request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			fail(c, model.ErrUnauthenticated)
			return
		}
		agent, err := s.coord.Authenticate(c.Request.Context(), token)
		if err != nil {
			fail(c, err)
			return
		}
		c.Set(agentKey, agent)
		c.Next()
	}
}

// agent returns the authenticated agent set by the auth middleware.
func agent(c *gin.Context) *model.Agent {
	return c.MustGet(agentKey).(*model.Agent)
}

// rateLimit applies the tier-scaled sliding window for one limit type.
func (s *Server) rateLimit(limitType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a := agent(c)
		d, err := s.coord.Limiter().Allow(c.Request.Context(), limitType, a.ID, a.Karma)
		if err != nil {
			fail(c, err)
			return
		}
		if !d.Allowed {
			fail(c, d.RetryAfter(limitType, time.Now()))
			return
		}
		c.Next()
	}
}

// normalizeBody rewrites JSON object keys in request bodies to
// snake_case recursively, so mixed-case clients bind cleanly.
func normalizeBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body == nil || c.Request.ContentLength == 0 {
			c.Next()
			return
		}
		if ct := c.ContentType(); ct != "" && ct != "application/json" {
			c.Next()
			return
		}
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			fail(c, model.Validation("body", "unreadable request body"))
			return
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			fail(c, model.Validation("body", "request body is not valid JSON"))
			return
		}
		normalized, err := json.Marshal(normalizeKeys(doc))
		if err != nil {
			fail(c, model.Validation("body", "request body is not valid JSON"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(normalized))
		c.Request.ContentLength = int64(len(normalized))
		c.Next()
	}
}

// normalizeKeys walks a decoded JSON value converting every object key
// to snake_case.
func normalizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[snakeCase(k)] = normalizeKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeKeys(t[i])
		}
		return t
	default:
		return v
	}
}

// snakeCase converts camelCase and PascalCase identifiers; keys that
// are already snake_case pass through unchanged.
func snakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	prevLower := false
	for _, r := range s {
		if unicode.IsUpper(r) {
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
			continue
		}
		b.WriteRune(r)
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}
