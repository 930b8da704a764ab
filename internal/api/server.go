// Package api is the server deployment's HTTP surface. Every route
// except agent registration and health requires a bearer API key; the
// coordinator does all domain work and the handlers only translate
// between JSON and coordinator calls.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// Server owns the gin engine and its route table.
type Server struct {
	coord  *coordinator.Coordinator
	feed   *syncer.Feed
	engine *gin.Engine
	prefix string
	health func() error
}

// Options configure the HTTP server.
type Options struct {
	// Prefix is the route prefix, default /api/v1.
	Prefix string

	// HealthCheck probes the store and cache; nil reports healthy.
	HealthCheck func() error
}

// NewServer builds the route table over the coordinator.
func NewServer(coord *coordinator.Coordinator, feed *syncer.Feed, opts Options) *Server {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "/api/v1"
	}
	s := &Server{
		coord:  coord,
		feed:   feed,
		engine: gin.New(),
		prefix: prefix,
		health: opts.HealthCheck,
	}
	s.engine.Use(gin.Logger(), gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http handler for serving.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	root := s.engine.Group(s.prefix)
	root.GET("/health", s.getHealth)
	root.POST("/agents", normalizeBody(), s.postAgent)

	authed := root.Group("")
	authed.Use(s.authenticate(), s.rateLimit("api"), normalizeBody())

	authed.GET("/agents/me", s.getMe)
	authed.GET("/agents", s.listAgents)
	authed.PATCH("/agents/me", s.patchMe)

	authed.POST("/repos", s.postRepo)
	authed.GET("/repos", s.listRepos)
	authed.GET("/repos/:id", s.getRepo)
	authed.PATCH("/repos/:id/settings", s.patchSettings)
	authed.GET("/repos/:id/advancement", s.getAdvancement)
	authed.POST("/repos/:id/advance", s.postAdvance)
	authed.POST("/repos/:id/maintainers", s.postMaintainer)
	authed.DELETE("/repos/:id/maintainers/:agent_id", s.deleteMaintainer)
	authed.POST("/repos/:id/grants", s.postGrant)
	authed.GET("/repos/:id/branch-rules", s.listBranchRules)
	authed.POST("/repos/:id/branch-rules", s.postBranchRule)
	authed.DELETE("/repos/:id/branch-rules/:rule_id", s.deleteBranchRule)

	authed.POST("/repos/:id/streams", s.postStream)
	authed.GET("/repos/:id/streams", s.listStreams)
	authed.GET("/repos/:id/queue", s.getQueue)
	authed.GET("/streams/:id", s.getStream)
	authed.GET("/streams/:id/diff", s.getDiff)
	authed.POST("/streams/:id/reviews", s.postReview)
	authed.GET("/streams/:id/reviews", s.listReviews)
	authed.GET("/streams/:id/consensus", s.getConsensus)
	authed.POST("/streams/:id/merge", s.postMerge)

	authed.POST("/repos/:id/stabilize", s.postStabilize)
	authed.POST("/repos/:id/promote", s.postPromote)

	authed.POST("/repos/:id/tasks", s.postTask)
	authed.GET("/repos/:id/tasks", s.listTasks)
	authed.GET("/tasks/:id", s.getTask)
	authed.POST("/tasks/:id/claim", s.postClaim)
	authed.GET("/tasks/:id/claims", s.listClaims)
	authed.POST("/claims/:id/submit", s.postClaimSubmit)
	authed.POST("/claims/:id/review", s.postClaimReview)

	authed.POST("/repos/:id/council", s.postCouncil)
	authed.GET("/repos/:id/council", s.getCouncil)
	authed.POST("/repos/:id/council/members", s.postCouncilMember)
	authed.POST("/repos/:id/council/proposals", s.postProposal)
	authed.GET("/repos/:id/council/proposals", s.listProposals)
	authed.GET("/proposals/:id", s.getProposal)
	authed.POST("/proposals/:id/vote", s.postVote)

	authed.GET("/activity", s.getActivity)

	authed.POST("/sync/events", s.postSyncEvents)
	authed.GET("/sync/:category", s.getSyncCategory)
}

// statusFor maps error classes to HTTP status codes.
func statusFor(code model.Code) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeAuth:
		return http.StatusUnauthorized
	case model.CodePermission:
		return http.StatusForbidden
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeConflict:
		return http.StatusConflict
	case model.CodeConsensus:
		return http.StatusUnprocessableEntity
	case model.CodeRateLimit:
		return http.StatusTooManyRequests
	case model.CodeUnavail:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the wire form of an error and aborts the request.
func fail(c *gin.Context, err error) {
	code := model.CodeOf(err)
	var rl *model.RateLimitError
	if errors.As(err, &rl) {
		secs := int(rl.RetryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
	c.AbortWithStatusJSON(statusFor(code), gin.H{
		"error": gin.H{"code": code, "message": err.Error()},
	})
}

func (s *Server) getHealth(c *gin.Context) {
	if s.health != nil {
		if err := s.health(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
