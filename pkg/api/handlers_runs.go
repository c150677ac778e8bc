package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"dtrunner/pkg/executor"
	"dtrunner/pkg/failure"
	"dtrunner/pkg/models"
	"dtrunner/pkg/scenario"
	"dtrunner/pkg/storage"
)

// --- Request/Response DTOs ---

// CreateRunRequest is the payload for launching a scenario.
type CreateRunRequest struct {
	ScenarioPath string          `json:"scenario_path" binding:"required"`
	InputFile    string          `json:"input_file,omitempty"`
	OutputFile   string          `json:"output_file,omitempty"`
	ExtraArgs    []string        `json:"extra_args,omitempty"`
	Priority     models.Priority `json:"priority,omitempty"`
	Debug        bool            `json:"debug,omitempty"`
	Retry        RetryRequest    `json:"retry"`
}

type RetryRequest struct {
	Categories []string `json:"categories,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
}

// CreateRunResponse acknowledges an accepted run.
type CreateRunResponse struct {
	Scenario string              `json:"scenario"`
	Kind     models.ScenarioKind `json:"kind"`
	Status   string              `json:"status"`
}

// ScenarioResponse describes one discovered scenario file.
type ScenarioResponse struct {
	Name string              `json:"name"`
	Kind models.ScenarioKind `json:"kind"`
	Path string              `json:"path"`
}

func (r CreateRunRequest) job() (executor.Job, error) {
	desc := models.ScenarioDescriptor{
		ScenarioPath: r.ScenarioPath,
		InputFile:    r.InputFile,
		OutputFile:   r.OutputFile,
		ExtraArgs:    r.ExtraArgs,
		Priority:     r.Priority,
		Debug:        r.Debug,
	}
	if err := desc.Validate(); err != nil {
		return executor.Job{}, err
	}
	if _, err := desc.Priority.Nice(); err != nil {
		return executor.Job{}, failure.Configf("%v", err)
	}

	policy := models.RetryPolicy{MaxRetries: r.Retry.MaxRetries}
	for _, name := range r.Retry.Categories {
		c, err := failure.ParseCategory(name)
		if err != nil {
			return executor.Job{}, failure.Configf("%v", err)
		}
		policy.Categories = append(policy.Categories, c)
	}
	if err := policy.Validate(); err != nil {
		return executor.Job{}, err
	}
	return executor.Job{Descriptor: desc, Policy: policy}, nil
}

// createRun validates the request and runs the scenario in the background.
func (s *Server) createRun(c *gin.Context) {
	if s.pool == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runs are not enabled on this server"})
		return
	}

	var req CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := req.job()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		if _, err := s.pool.Submit(s.runCtx, job); err != nil {
			s.logger.Warn("run submitted over HTTP failed",
				zap.String("scenario", job.Descriptor.Name()),
				zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, CreateRunResponse{
		Scenario: job.Descriptor.Name(),
		Kind:     job.Descriptor.Kind(),
		Status:   "accepted",
	})
}

func (s *Server) listRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is not enabled"})
		return
	}

	filter := storage.RunFilter{
		Scenario: c.Query("scenario"),
		Outcome:  models.Outcome(c.Query("outcome")),
		Limit:    queryInt(c, "limit", storage.DefaultListLimit),
		Offset:   queryInt(c, "offset", 0),
	}
	runs, err := s.runs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history is not enabled"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run ID"})
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listScenarios(c *gin.Context) {
	dir := c.Query("dir")
	if dir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "dir is required"})
		return
	}
	paths, err := scenario.ScenariosInPath(dir)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	out := make([]ScenarioResponse, 0, len(paths))
	for _, p := range paths {
		d := models.ScenarioDescriptor{ScenarioPath: p}
		out = append(out, ScenarioResponse{Name: d.Name(), Kind: d.Kind(), Path: p})
	}
	c.JSON(http.StatusOK, gin.H{"scenarios": out, "count": len(out)})
}

func (s *Server) recentLog(c *gin.Context) {
	if s.log == nil {
		c.JSON(http.StatusOK, gin.H{"lines": []string{}})
		return
	}
	lines, err := s.log(c.Request.Context(), queryInt(c, "n", 100))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
