package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/council"
	"github.com/gitswarm/gitswarm/internal/stage"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/syncer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

// repoFromParam resolves :id as a repository id, falling back to the
// unique name.
func (s *Server) repoFromParam(c *gin.Context) (*model.Repository, bool) {
	key := c.Param("id")
	repo, err := s.coord.GetRepository(c.Request.Context(), key)
	if errors.Is(err, model.ErrNotFound) {
		repo, err = s.coord.GetRepositoryByName(c.Request.Context(), key)
	}
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return repo, true
}

// --- Agents ---

func (s *Server) postAgent(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
		Bio  string `json:"bio"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	a, key, err := s.coord.RegisterAgent(c.Request.Context(), req.Name, req.Bio)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"agent": a, "api_key": key})
}

func (s *Server) getMe(c *gin.Context) {
	c.JSON(http.StatusOK, agent(c))
}

func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.coord.ListAgents(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) patchMe(c *gin.Context) {
	var req struct {
		Bio string `json:"bio"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	if err := s.coord.UpdateBio(c.Request.Context(), agent(c), req.Bio); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// --- Repositories ---

func (s *Server) postRepo(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
		stage.CreateOptions
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	repo, err := s.coord.CreateRepository(c.Request.Context(), agent(c), req.Name, req.CreateOptions)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, repo)
}

func (s *Server) listRepos(c *gin.Context) {
	repos, err := s.coord.ListRepositories(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"repositories": repos})
}

func (s *Server) getRepo(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, repo)
}

func (s *Server) patchSettings(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var set stage.Settings
	if err := c.ShouldBindJSON(&set); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	if err := s.coord.UpdateSettings(c.Request.Context(), agent(c), repo, set); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) getAdvancement(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	elig, err := s.coord.CheckAdvancement(c.Request.Context(), repo)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, elig)
}

func (s *Server) postAdvance(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, model.Validation("body", err.Error()))
			return
		}
	}
	next, err := s.coord.AdvanceStage(c.Request.Context(), agent(c), repo, req.Force)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": next})
}

func (s *Server) postMaintainer(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var req struct {
		AgentID string               `json:"agent_id"`
		Role    model.MaintainerRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	if req.Role == "" {
		req.Role = model.RoleMaintainer
	}
	if err := s.coord.AddMaintainer(c.Request.Context(), agent(c), repo, req.AgentID, req.Role); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"added": true})
}

func (s *Server) deleteMaintainer(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	if err := s.coord.RemoveMaintainer(c.Request.Context(), agent(c), repo, c.Param("agent_id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) postGrant(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var grant model.AccessGrant
	if err := c.ShouldBindJSON(&grant); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	if err := s.coord.GrantAccess(c.Request.Context(), agent(c), repo, grant); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"granted": true})
}

func (s *Server) listBranchRules(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	rules, err := s.coord.BranchRules(c.Request.Context(), agent(c), repo)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch_rules": rules})
}

func (s *Server) postBranchRule(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var rule model.BranchRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	created, err := s.coord.AddBranchRule(c.Request.Context(), agent(c), repo, rule)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) deleteBranchRule(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	if err := s.coord.RemoveBranchRule(c.Request.Context(), agent(c), repo, c.Param("rule_id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// --- Streams ---

func (s *Server) postStream(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var req struct {
		Name           string `json:"name"`
		TaskID         string `json:"task_id"`
		ParentStreamID string `json:"parent_stream_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	ws, st, err := s.coord.CreateWorkspace(c.Request.Context(), agent(c), repo, req.Name, stream.StreamOptions{
		TaskID:         req.TaskID,
		ParentStreamID: req.ParentStreamID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"stream": st, "workspace": ws})
}

func (s *Server) listStreams(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	streams, err := s.coord.ListStreams(c.Request.Context(), repo.ID, model.StreamStatus(c.Query("status")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"streams": streams})
}

func (s *Server) getQueue(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	entries, err := s.coord.MergeQueue(c.Request.Context(), repo.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) getStream(c *gin.Context) {
	st, err := s.coord.GetStream(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getDiff(c *gin.Context) {
	st, err := s.coord.GetStream(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	diff, err := s.coord.Diff(c.Request.Context(), agent(c), st)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"diff": diff})
}

func (s *Server) postReview(c *gin.Context) {
	var in coordinator.ReviewInput
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	review, res, err := s.coord.SubmitReview(c.Request.Context(), agent(c), c.Param("id"), in)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"review": review, "consensus": res})
}

func (s *Server) listReviews(c *gin.Context) {
	reviews, err := s.coord.Reviews(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews})
}

func (s *Server) getConsensus(c *gin.Context) {
	res, err := s.coord.CheckConsensus(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) postMerge(c *gin.Context) {
	entry, err := s.coord.RequestMerge(c.Request.Context(), agent(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) postStabilize(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	run, err := s.coord.Stabilize(c.Request.Context(), agent(c), repo)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) postPromote(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	if err := s.coord.Promote(c.Request.Context(), agent(c), repo); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"promoted": true})
}

// --- Tasks ---

func (s *Server) postTask(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var req struct {
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Priority    model.TaskPriority `json:"priority"`
		Amount      int                `json:"amount"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	t, err := s.coord.CreateTask(c.Request.Context(), agent(c), repo, req.Title, req.Description, req.Priority, req.Amount)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) listTasks(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	tasks, err := s.coord.ListTasks(c.Request.Context(), repo.ID, model.TaskStatus(c.Query("status")))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) getTask(c *gin.Context) {
	t, err := s.coord.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) postClaim(c *gin.Context) {
	var req struct {
		StreamID string `json:"stream_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, model.Validation("body", err.Error()))
			return
		}
	}
	claim, err := s.coord.ClaimTask(c.Request.Context(), agent(c), c.Param("id"), req.StreamID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, claim)
}

func (s *Server) listClaims(c *gin.Context) {
	claims, err := s.coord.Claims(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": claims})
}

func (s *Server) postClaimSubmit(c *gin.Context) {
	var req struct {
		Notes string `json:"notes"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, model.Validation("body", err.Error()))
			return
		}
	}
	if err := s.coord.SubmitClaim(c.Request.Context(), agent(c), c.Param("id"), req.Notes); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submitted": true})
}

func (s *Server) postClaimReview(c *gin.Context) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	if err := s.coord.ReviewClaim(c.Request.Context(), agent(c), c.Param("id"), req.Approve); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reviewed": true})
}

// --- Council ---

func (s *Server) postCouncil(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var opts council.CreateOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			fail(c, model.Validation("body", err.Error()))
			return
		}
	}
	cl, err := s.coord.CreateCouncil(c.Request.Context(), agent(c), repo, opts)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, cl)
}

func (s *Server) getCouncil(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	cl, err := s.coord.GetCouncil(c.Request.Context(), repo.ID)
	if err != nil {
		fail(c, err)
		return
	}
	members, err := s.coord.CouncilMembers(c.Request.Context(), cl.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"council": cl, "members": members})
}

func (s *Server) postCouncilMember(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var req struct {
		AgentID string            `json:"agent_id"`
		Role    model.CouncilRole `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	cl, err := s.coord.GetCouncil(c.Request.Context(), repo.ID)
	if err != nil {
		fail(c, err)
		return
	}
	if err := s.coord.AddCouncilMember(c.Request.Context(), agent(c), repo, cl.ID, req.AgentID, req.Role); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"added": true})
}

func (s *Server) postProposal(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	var req struct {
		Title      string             `json:"title"`
		Type       model.ProposalType `json:"proposal_type"`
		ActionData json.RawMessage    `json:"action_data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	cl, err := s.coord.GetCouncil(c.Request.Context(), repo.ID)
	if err != nil {
		fail(c, err)
		return
	}
	p, err := s.coord.Propose(c.Request.Context(), agent(c), cl.ID, req.Title, req.Type, req.ActionData)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listProposals(c *gin.Context) {
	repo, ok := s.repoFromParam(c)
	if !ok {
		return
	}
	cl, err := s.coord.GetCouncil(c.Request.Context(), repo.ID)
	if err != nil {
		fail(c, err)
		return
	}
	proposals, err := s.coord.Proposals(c.Request.Context(), cl.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
}

func (s *Server) getProposal(c *gin.Context) {
	p, err := s.coord.GetProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) postVote(c *gin.Context) {
	var req struct {
		Vote model.VoteChoice `json:"vote"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	p, err := s.coord.VoteProposal(c.Request.Context(), agent(c), c.Param("id"), req.Vote)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- Activity & sync ---

func (s *Server) getActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := s.coord.RecentActivity(c.Request.Context(), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) postSyncEvents(c *gin.Context) {
	var req syncer.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, model.Validation("body", err.Error()))
		return
	}
	accepted, err := s.feed.Ingest(c.Request.Context(), req.Events)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, syncer.PushResponse{Accepted: accepted})
}

func (s *Server) getSyncCategory(c *gin.Context) {
	cat := model.SyncCategory(c.Param("category"))
	valid := false
	for _, known := range model.SyncCategories {
		if cat == known {
			valid = true
			break
		}
	}
	if !valid {
		fail(c, model.Validation("category", "unknown sync category"))
		return
	}
	cursor, err := strconv.ParseInt(c.DefaultQuery("cursor", "0"), 10, 64)
	if err != nil {
		fail(c, model.Validation("cursor", "must be an integer"))
		return
	}
	page, err := s.feed.Since(c.Request.Context(), cat, cursor, 100)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
