package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yiyabo/gagent/internal/assembler"
	"github.com/yiyabo/gagent/internal/decomposer"
	"github.com/yiyabo/gagent/internal/domain"
	"github.com/yiyabo/gagent/internal/evaluator"
	"github.com/yiyabo/gagent/internal/executor"
	"github.com/yiyabo/gagent/internal/orchestrator"
	"github.com/yiyabo/gagent/internal/scheduler"
)

func (s *Server) handleProposePlan(c *gin.Context) {
	var req orchestrator.ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	draft, err := s.orch.ProposePlan(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (s *Server) handleApprovePlan(c *gin.Context) {
	var draft orchestrator.PlanDraft
	if err := c.ShouldBindJSON(&draft); err != nil {
		s.badRequest(c, err)
		return
	}
	planID, created, err := s.orch.ApprovePlan(c.Request.Context(), &draft)
	if err != nil {
		s.fail(c, err)
		return
	}
	if created == nil {
		created = []domain.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"plan_id": planID, "created": created})
}

func (s *Server) handleListPlans(c *gin.Context) {
	plans, err := s.store.ListPlans(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if plans == nil {
		plans = []domain.PlanSummary{}
	}
	c.JSON(http.StatusOK, plans)
}

func (s *Server) handlePlanTasks(c *gin.Context) {
	tasks, err := s.store.PlanTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

type planDecomposeRequest struct {
	MaxDepth    int  `json:"max_depth"`
	MaxSubtasks int  `json:"max_subtasks"`
	ToolAware   bool `json:"tool_aware"`
}

func (s *Server) handlePlanDecompose(c *gin.Context) {
	var req planDecomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.badRequest(c, err)
		return
	}
	opts := decomposer.Options{
		MaxDepth:    req.MaxDepth,
		MaxSubtasks: req.MaxSubtasks,
		ToolAware:   req.ToolAware,
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = s.cfg.MaxDecomposeDepth
	}
	added, err := s.orch.RecursiveDecompose(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	if added == nil {
		added = []domain.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

type taskDecomposeRequest struct {
	MaxSubtasks int  `json:"max_subtasks"`
	Force       bool `json:"force"`
	ToolAware   bool `json:"tool_aware"`
}

func (s *Server) handleTaskDecompose(c *gin.Context) {
	var req taskDecomposeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.badRequest(c, err)
		return
	}
	added, err := s.orch.DecomposeTask(c.Request.Context(), c.Param("id"), decomposer.Options{
		MaxSubtasks: req.MaxSubtasks,
		Force:       req.Force,
		ToolAware:   req.ToolAware,
		MaxDepth:    s.cfg.MaxDecomposeDepth,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	if added == nil {
		added = []domain.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

// runRequest is the flat wire shape of POST /run.
type runRequest struct {
	PlanID string `json:"plan_id"`
	Title  string `json:"title"`

	Strategy    string `json:"strategy"`
	Parallelism int    `json:"parallelism"`

	AutoDecompose bool `json:"auto_decompose"`
	MaxDepth      int  `json:"max_depth"`

	UseContext     bool              `json:"use_context"`
	ContextOptions assembler.Options `json:"context_options"`

	UseTools bool `json:"use_tools"`

	EnableEvaluation  bool              `json:"enable_evaluation"`
	EvaluationMode    string            `json:"evaluation_mode"`
	EvaluationOptions evaluator.Options `json:"evaluation_options"`

	IncludeSummary bool `json:"include_summary"`
	AutoAssemble   bool `json:"auto_assemble"`
}

func (s *Server) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	opts := orchestrator.RunOptions{
		PlanID:      req.PlanID,
		Title:       req.Title,
		Strategy:    scheduler.Strategy(req.Strategy),
		Parallelism: req.Parallelism,

		AutoDecompose: req.AutoDecompose,
		Decompose:     decomposer.Options{MaxDepth: req.MaxDepth},

		Execution: executor.Options{
			UseContext:        req.UseContext,
			ContextOptions:    req.ContextOptions,
			UseTools:          req.UseTools,
			EnableEvaluation:  req.EnableEvaluation,
			EvaluationMode:    domain.EvaluationMode(req.EvaluationMode),
			EvaluationOptions: req.EvaluationOptions,
			Timeout:           s.cfg.TaskTimeout,
		},

		IncludeSummary: req.IncludeSummary,
		AutoAssemble:   req.AutoAssemble,
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = s.cfg.DefaultParallelism
	}
	if opts.Decompose.MaxDepth <= 0 {
		opts.Decompose.MaxDepth = s.cfg.MaxDecomposeDepth
	}
	if req.EvaluationMode != "" {
		opts.Execution.EnableEvaluation = true
	}

	report, err := s.orch.Run(c.Request.Context(), opts)
	if err != nil && report == nil {
		s.fail(c, err)
		return
	}

	body := gin.H{
		"run_id":     report.RunID,
		"plan_id":    report.PlanID,
		"status":     report.Status,
		"total":      report.Total,
		"successful": report.Successful,
		"failed":     report.Failed,
		"results":    report.Results,
		"summary":    report.Summary,
	}
	if report.SummaryTxt != "" {
		body["summary_text"] = report.SummaryTxt
	}
	if report.Assembled != "" {
		body["assembled"] = report.Assembled
	}
	c.JSON(http.StatusOK, body)
}

type executeRequest struct {
	UseContext     bool              `json:"use_context"`
	ContextOptions assembler.Options `json:"context_options"`
	UseTools       bool              `json:"use_tools"`

	EnableEvaluation  bool              `json:"enable_evaluation"`
	EvaluationMode    string            `json:"evaluation_mode"`
	EvaluationOptions evaluator.Options `json:"evaluation_options"`
}

func (s *Server) handleTaskExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.badRequest(c, err)
		return
	}
	opts := executor.Options{
		UseContext:        req.UseContext,
		ContextOptions:    req.ContextOptions,
		UseTools:          req.UseTools,
		EnableEvaluation:  req.EnableEvaluation,
		EvaluationMode:    domain.EvaluationMode(req.EvaluationMode),
		EvaluationOptions: req.EvaluationOptions,
		Timeout:           s.cfg.TaskTimeout,
	}
	if req.EvaluationMode != "" {
		opts.EnableEvaluation = true
	}
	result, err := s.orch.ExecuteTask(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleTaskOutput(c *gin.Context) {
	content, err := s.store.Output(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": content})
}

func (s *Server) handleCreateLink(c *gin.Context) {
	var link domain.TaskLink
	if err := c.ShouldBindJSON(&link); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.store.CreateLink(c.Request.Context(), link); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleDeleteLink(c *gin.Context) {
	var link domain.TaskLink
	if err := c.ShouldBindJSON(&link); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.store.DeleteLink(c.Request.Context(), link); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleTaskLinks(c *gin.Context) {
	links, err := s.store.Links(c.Request.Context(), c.Param("task_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, links)
}

func (s *Server) handleContextPreview(c *gin.Context) {
	var opts assembler.Options
	if err := c.ShouldBindJSON(&opts); err != nil && c.Request.ContentLength > 0 {
		s.badRequest(c, err)
		return
	}
	// Previews never persist.
	opts.SaveSnapshot = false
	bundle, err := s.assembler.Gather(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) handleListSnapshots(c *gin.Context) {
	metas, err := s.store.Snapshots(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if metas == nil {
		metas = []domain.SnapshotMeta{}
	}
	c.JSON(http.StatusOK, metas)
}

func (s *Server) handleGetSnapshot(c *gin.Context) {
	snapshot, err := s.store.Snapshot(c.Request.Context(), c.Param("id"), c.Param("label"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handlePlanAssembled(c *gin.Context) {
	artifact, err := s.orch.Assemble(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"title":    artifact.Title,
		"sections": artifact.Sections,
		"combined": artifact.Combined,
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.Runs(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("run_id")
	if !s.orch.CancelRun(runID) {
		c.JSON(http.StatusNotFound, detail("not_found", gin.H{"entity": "active run", "id": runID}))
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": runID})
}
