// Package http exposes the fill orchestrator over a small Gin surface for
// service deployments: submit a fill, fetch its record. The engine itself
// stays transport-agnostic; everything here is translation.
package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"markform.app/fill/common/id"
	"markform.app/fill/internal/fillengine"
	"markform.app/fill/internal/fillengine/resume"
	"markform.app/fill/internal/mdcodec"
	"markform.app/fill/internal/record"
)

// Deps wires the handler's collaborators. Resume and Archive are optional.
type Deps struct {
	Resume  resume.Store
	Archive *record.PGStore
}

// Handler serves the fill API.
type Handler struct {
	deps Deps

	mu      sync.RWMutex
	records map[string]*record.FillRecord
}

// NewHandler builds a Handler. A nil Resume store falls back to in-memory.
func NewHandler(deps Deps) *Handler {
	if deps.Resume == nil {
		deps.Resume = resume.NewMemoryStore()
	}
	_ = id.Init(1)
	return &Handler{deps: deps, records: map[string]*record.FillRecord{}}
}

// NewRouter builds the Gin engine with recovery and tracing middleware.
func NewRouter(h *Handler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.POST("/fills", h.CreateFill)
	r.GET("/fills/:id/record", h.GetRecord)

	return r
}

type fillRequest struct {
	FormMarkdown string `json:"formMarkdown" binding:"required"`
	Model        string `json:"model"`

	EnableWebSearch bool `json:"enableWebSearch"`
	RecordFill      bool `json:"recordFill"`
	EnableParallel  bool `json:"enableParallel"`
	Resume          bool `json:"resume"`

	MaxTurnsTotal      int `json:"maxTurnsTotal"`
	MaxTurnsThisCall   int `json:"maxTurnsThisCall"`
	StartingTurnNumber int `json:"startingTurnNumber"`
	MaxPatchesPerTurn  int `json:"maxPatchesPerTurn"`
	MaxIssuesPerTurn   int `json:"maxIssuesPerTurn"`
	MaxParallelAgents  int `json:"maxParallelAgents"`

	TargetRoles  []string       `json:"targetRoles"`
	FillMode     string         `json:"fillMode"`
	InputContext map[string]any `json:"inputContext"`
}

type fillResponse struct {
	FillID          string         `json:"fillId"`
	OK              bool           `json:"ok"`
	Reason          string         `json:"reason,omitempty"`
	Error           string         `json:"error,omitempty"`
	Markdown        string         `json:"markdown"`
	Values          map[string]any `json:"values"`
	Turns           int            `json:"turns"`
	TotalPatches    int            `json:"totalPatches"`
	RemainingIssues int            `json:"remainingIssues"`
}

// CreateFill runs one fill call synchronously and returns its result. A
// batch_limit outcome checkpoints to the resume store so a later request
// with resume=true continues where this one stopped.
func (h *Handler) CreateFill(c *gin.Context) {
	var req fillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	codec := mdcodec.New()
	formText := req.FormMarkdown
	startingTurn := req.StartingTurnNumber

	parsed, err := codec.Parse(formText)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("parse form: %v", err)})
		return
	}
	formID := parsed.Schema.ID

	if req.Resume {
		st, found, err := h.deps.Resume.Load(c.Request.Context(), formID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if found {
			formText = st.Markdown
			startingTurn = st.NextTurnNumber
		}
	}

	result, err := fillengine.Fill(c.Request.Context(), fillengine.Options{
		FormText:           formText,
		Codec:              codec,
		Model:              req.Model,
		EnableWebSearch:    req.EnableWebSearch,
		RecordFill:         req.RecordFill,
		EnableParallel:     req.EnableParallel,
		MaxTurnsTotal:      req.MaxTurnsTotal,
		MaxTurnsThisCall:   req.MaxTurnsThisCall,
		StartingTurnNumber: startingTurn,
		MaxPatchesPerTurn:  req.MaxPatchesPerTurn,
		MaxIssuesPerTurn:   req.MaxIssuesPerTurn,
		MaxParallelAgents:  req.MaxParallelAgents,
		TargetRoles:        req.TargetRoles,
		FillMode:           req.FillMode,
		InputContext:       req.InputContext,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	fillID := fmt.Sprintf("fill-%d", id.New())

	if result.Status.Reason == fillengine.ReasonBatchLimit {
		st := resume.State{Markdown: result.Markdown, NextTurnNumber: startingTurn + result.Turns}
		if err := h.deps.Resume.Save(c.Request.Context(), formID, st); err != nil {
			slog.ErrorContext(c.Request.Context(), "save resume state failed", "error", err, "form_id", formID)
		}
	} else if result.Status.OK {
		_ = h.deps.Resume.Delete(c.Request.Context(), formID)
	}

	if result.Record != nil {
		h.mu.Lock()
		h.records[fillID] = result.Record
		h.mu.Unlock()

		if h.deps.Archive != nil {
			if err := h.deps.Archive.Archive(c.Request.Context(), formID, fillID, *result.Record); err != nil {
				slog.ErrorContext(c.Request.Context(), "archive fill record failed", "error", err, "fill_id", fillID)
			}
		}
	}

	resp := fillResponse{
		FillID:          fillID,
		OK:              result.Status.OK,
		Reason:          result.Status.Reason,
		Markdown:        result.Markdown,
		Values:          result.Values,
		Turns:           result.Turns,
		TotalPatches:    result.TotalPatches,
		RemainingIssues: len(result.RemainingIssues),
	}
	if result.Status.Err != nil {
		resp.Error = result.Status.Err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// GetRecord returns a fill's FillRecord, from memory first, then from the
// archive when configured.
func (h *Handler) GetRecord(c *gin.Context) {
	fillID := c.Param("id")

	h.mu.RLock()
	rec, ok := h.records[fillID]
	h.mu.RUnlock()
	if ok {
		c.JSON(http.StatusOK, rec)
		return
	}

	if h.deps.Archive != nil {
		archived, err := h.deps.Archive.Get(c.Request.Context(), fillID)
		if err == nil {
			c.JSON(http.StatusOK, archived.Record)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "no record for fill " + fillID})
}
