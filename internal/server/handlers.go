package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/orchestrator"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) submit(c *gin.Context) {
	var req SubmitRequest
	if !bind(c, &req) {
		return
	}
	hint := orchestrator.NoIndexHint
	if req.LoopIndexHint != nil {
		hint = *req.LoopIndexHint
	}
	res, err := s.coord.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		Task:          req.Key(),
		Plan:          req.Plan,
		LoopIndexHint: hint,
		Overrides:     s.overrides(req.Caps, req.Guard),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.Status == orchestrator.SubmitDenied {
		c.JSON(http.StatusTooManyRequests, APIResponse{
			Success: false,
			Error:   res.Err().Error(),
			Reason:  res.Reason,
			Data:    res,
		})
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: res, Reason: res.Reason})
}

func (s *Server) reportSuccess(c *gin.Context) {
	var req OutcomeRequest
	if !bind(c, &req) || !requireLoopIndex(c, req.LoopIndex) {
		return
	}
	attempt, err := s.coord.ReportSuccess(c.Request.Context(), req.Key(), *req.LoopIndex)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: attempt})
}

func (s *Server) reportFailure(c *gin.Context) {
	var req FailureRequest
	if !bind(c, &req) || !requireLoopIndex(c, req.LoopIndex) {
		return
	}
	res, err := s.coord.ReportFailure(c.Request.Context(), orchestrator.FailureRequest{
		Task:      req.Key(),
		LoopIndex: *req.LoopIndex,
		Signal:    req.FailureSignal,
		Overrides: s.overrides(req.Caps, nil),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: res})
}

func (s *Server) abort(c *gin.Context) {
	var req OutcomeRequest
	if !bind(c, &req) || !requireLoopIndex(c, req.LoopIndex) {
		return
	}
	attempt, err := s.coord.Abort(c.Request.Context(), req.Key(), *req.LoopIndex, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: attempt})
}

func (s *Server) delegate(c *gin.Context) {
	var req DelegationRequest
	if !bind(c, &req) {
		return
	}
	depth := orchestrator.DeriveDepth
	if req.ProposedDepth != nil {
		depth = *req.ProposedDepth
	}
	res, err := s.coord.ReportDelegation(c.Request.Context(), orchestrator.DelegationRequest{
		Task:          req.Key(),
		From:          req.FromAgent,
		To:            req.ToAgent,
		ProposedDepth: depth,
		Overrides:     s.overrides(req.Caps, nil),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.Status == orchestrator.DelegationDenied {
		c.JSON(http.StatusTooManyRequests, APIResponse{
			Success: false,
			Error:   res.Err().Error(),
			Reason:  res.Reason,
			Data:    res,
		})
		return
	}
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: res})
}

func (s *Server) openCheckpoint(c *gin.Context) {
	var req CheckpointRequest
	if !bind(c, &req) {
		return
	}
	kind, err := ledger.ParseCheckpointKind(req.Kind)
	if err != nil {
		s.fail(c, err)
		return
	}
	open := s.coord.OpenCheckpoint
	if req.Reuse {
		open = s.coord.Gate
	}
	cp, err := open(c.Request.Context(), req.Key(), req.Name, kind)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: cp})
}

func (s *Server) listCheckpoints(c *gin.Context) {
	task := ledger.Key(c.Query("project_id"), c.Query("task_id"))
	if err := task.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	cps, err := s.coord.Checkpoints(c.Request.Context(), task)
	if err != nil {
		s.fail(c, err)
		return
	}
	if cps == nil {
		cps = []ledger.Checkpoint{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: cps})
}

func (s *Server) getCheckpoint(c *gin.Context) {
	cp, err := s.coord.Checkpoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: cp})
}

func (s *Server) resolveCheckpoint(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	if req.Approved == nil {
		s.fail(c, errors.NewValidationError("approved is required").WithField("approved"))
		return
	}
	cp, err := s.coord.ResolveCheckpoint(c.Request.Context(), c.Param("id"), *req.Approved, req.Note)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: cp})
}

func (s *Server) classify(c *gin.Context) {
	var req FailureRequest
	if !bind(c, &req) {
		return
	}
	index := -1
	if req.LoopIndex != nil {
		index = *req.LoopIndex
	}
	report := s.coord.Classify(req.Key(), index, req.FailureSignal, req.FailedAgent)
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: report})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.coord.Tasks(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if tasks == nil {
		tasks = []ledger.TaskKey{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: tasks})
}

func (s *Server) taskStatus(c *gin.Context) {
	task := ledger.Key(c.Query("project_id"), c.Param("task_id"))
	st, err := s.coord.Status(c.Request.Context(), task)
	if err != nil {
		s.fail(c, err)
		return
	}
	if st.Empty() {
		s.fail(c, errors.NewNotFoundError("task", task.String()).WithCause(errors.ErrTaskNotFound))
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: st})
}

func (s *Server) overrides(caps *CapsOverride, guard *GuardOverride) orchestrator.Overrides {
	limits, guardCfg := s.coord.Defaults()
	return overrides(orchestrator.Overrides{Limits: &limits, Guard: &guardCfg}, caps, guard)
}

// fail writes err with the status its class maps to. Server faults outside
// the error taxonomy are logged in full but reported to the client by
// status text only.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	resp := APIResponse{Success: false, Error: err.Error()}
	if status >= http.StatusInternalServerError && !errors.IsUserFacing(err) {
		resp.Error = http.StatusText(status)
	}
	var admission *errors.AdmissionError
	if errors.As(err, &admission) {
		resp.Reason = admission.Reason
	}

	severity := errors.GetSeverity(err)
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "path", c.FullPath(), "severity", severity.String(), "error", err)
	case severity >= errors.SeverityCritical:
		s.logger.Warn("integrity violation", "path", c.FullPath(), "error", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.IsValidation(err), errors.Is(err, errors.ErrInvalidPlan):
		return http.StatusBadRequest
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.IsIntegrity(err):
		return http.StatusConflict
	case errors.IsAdmission(err):
		return http.StatusTooManyRequests
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   "invalid request: " + strings.TrimSpace(err.Error()),
		})
		return false
	}
	return true
}

func requireLoopIndex(c *gin.Context, index *int) bool {
	if index == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{Success: false, Error: "loop_index is required"})
		return false
	}
	return true
}
