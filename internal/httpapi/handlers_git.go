package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kandev/sandboxbroker/internal/gitops"
	"github.com/kandev/sandboxbroker/internal/validate"
)

type gitCheckoutRequest struct {
	RepoURL   string `json:"repoUrl" binding:"required"`
	Branch    string `json:"branch"`
	TargetDir string `json:"targetDir"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleGitCheckout(c *gin.Context) {
	var req gitCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	if err := validate.RepoURL(req.RepoURL); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}

	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}

	targetDir := req.TargetDir
	if targetDir == "" {
		targetDir = "."
	}
	result, err := git.Clone(c.Request.Context(), req.RepoURL, req.Branch, targetDir)
	if err != nil {
		respondFromError(c, "GIT_CLONE_FAILED", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"repoUrl":   req.RepoURL,
		"branch":    req.Branch,
		"targetDir": targetDir,
		"exitCode":  exitCodeFor(result.Success),
		"stdout":    result.Output,
		"stderr":    result.Error,
		"success":   result.Success,
		"timestamp": time.Now().UTC(),
	})
}

func exitCodeFor(success bool) int {
	if success {
		return 0
	}
	return 1
}

type gitPullRequest struct {
	Rebase    bool   `json:"rebase"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleGitPull(c *gin.Context) {
	var req gitPullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Pull(c.Request.Context(), req.Rebase)
	if err != nil {
		respondFromError(c, "GIT_PULL_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type gitPushRequest struct {
	Force       bool   `json:"force"`
	SetUpstream bool   `json:"setUpstream"`
	SessionID   string `json:"sessionId"`
}

func (s *Server) handleGitPush(c *gin.Context) {
	var req gitPushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Push(c.Request.Context(), req.Force, req.SetUpstream)
	if err != nil {
		respondFromError(c, "GIT_PUSH_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type gitBaseBranchRequest struct {
	BaseBranch string `json:"baseBranch" binding:"required"`
	SessionID  string `json:"sessionId"`
}

func (s *Server) handleGitRebase(c *gin.Context) {
	var req gitBaseBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	if err := validate.BranchName(req.BaseBranch); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Rebase(c.Request.Context(), req.BaseBranch)
	if err != nil {
		respondFromError(c, "GIT_REBASE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGitMerge(c *gin.Context) {
	var req gitBaseBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	if err := validate.BranchName(req.BaseBranch); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Merge(c.Request.Context(), req.BaseBranch)
	if err != nil {
		respondFromError(c, "GIT_MERGE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type gitAbortRequest struct {
	Operation string `json:"operation" binding:"required"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleGitAbort(c *gin.Context) {
	var req gitAbortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Abort(c.Request.Context(), req.Operation)
	if err != nil {
		respondFromError(c, "GIT_ABORT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type gitCommitRequest struct {
	Message   string `json:"message" binding:"required"`
	StageAll  bool   `json:"stageAll"`
	SessionID string `json:"sessionId"`
}

func (s *Server) handleGitCommit(c *gin.Context) {
	var req gitCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Commit(c.Request.Context(), req.Message, req.StageAll)
	if err != nil {
		respondFromError(c, "GIT_COMMIT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type gitPathsRequest struct {
	Paths     []string `json:"paths"`
	SessionID string   `json:"sessionId"`
}

func (s *Server) handleGitStage(c *gin.Context) {
	var req gitPathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Stage(c.Request.Context(), req.Paths)
	if err != nil {
		respondFromError(c, "GIT_STAGE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGitUnstage(c *gin.Context) {
	var req gitPathsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.Unstage(c.Request.Context(), req.Paths)
	if err != nil {
		respondFromError(c, "GIT_UNSTAGE_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type gitCreatePRRequest struct {
	Title      string `json:"title" binding:"required"`
	Body       string `json:"body"`
	BaseBranch string `json:"baseBranch"`
	SessionID  string `json:"sessionId"`
}

func (s *Server) handleGitCreatePR(c *gin.Context) {
	var req gitCreatePRRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", err)
		return
	}
	sess, ok := s.resolveSession(c.Request.Context(), c, req.SessionID)
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.CreatePR(c.Request.Context(), req.Title, req.Body, req.BaseBranch)
	if errors.Is(err, gitops.ErrOperationInProgress) {
		respondFromError(c, "GIT_CREATE_PR_FAILED", err)
		return
	}
	if err != nil {
		respondError(c, http.StatusPreconditionFailed, "PRECONDITION_FAILED", err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGitShowCommit(c *gin.Context) {
	sha := c.Param("sha")
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	result, err := git.ShowCommit(c.Request.Context(), sha)
	if err != nil {
		respondFromError(c, "GIT_SHOW_COMMIT_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleGitCurrentBranch(c *gin.Context) {
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	branch, err := git.CurrentBranch(c.Request.Context())
	if err != nil {
		respondFromError(c, "GIT_CURRENT_BRANCH_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branch": branch})
}

func (s *Server) handleGitListBranches(c *gin.Context) {
	sess, ok := s.resolveSession(c.Request.Context(), c, c.Query("sessionId"))
	if !ok {
		return
	}
	git, err := sess.Git(c.Request.Context())
	if err != nil {
		respondFromError(c, "SESSION_NOT_READY", err)
		return
	}
	branches, err := git.ListBranches(c.Request.Context())
	if err != nil {
		respondFromError(c, "GIT_LIST_BRANCHES_FAILED", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}
