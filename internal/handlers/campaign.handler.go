package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-pipeline/internal/executor"
	xhttp "github.com/nimasrn/campaign-pipeline/pkg/http"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
)

const tenantHeader = "X-Tenant-Id"

type CampaignExecutor interface {
	Execute(ctx context.Context, req executor.ExecuteRequest) (*executor.ExecuteResult, error)
	Cancel(ctx context.Context, tenantID string, campaignID int64) error
	GetExecutionStats(ctx context.Context, runID int64) (*executor.ExecutionStats, error)
}

type CampaignHandler struct {
	exec CampaignExecutor
}

func RegisterCampaignRoutes(e *router.Group, h *CampaignHandler) {
	e.POST("/campaigns/{id}/execute", h.ExecuteCampaign)
	e.POST("/campaigns/{id}/cancel", h.CancelCampaign)
	e.GET("/runs/{id}/stats", h.GetRunStats)
}

func NewCampaignHandler(exec CampaignExecutor) *CampaignHandler {
	return &CampaignHandler{
		exec: exec,
	}
}

type executeRequest struct {
	DryRun bool          `json:"dry_run"`
	Mode   executor.Mode `json:"mode"`
}

func (h *CampaignHandler) ExecuteCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid campaign id")
		return
	}
	tenantID := tenant(ctx)
	if tenantID == "" {
		writeError(ctx, xhttp.StatusBadRequest, tenantHeader+" header is required")
		return
	}

	var req executeRequest
	if len(ctx.PostBody()) > 0 {
		if err := readJSON(ctx, &req); err != nil {
			writeError(ctx, xhttp.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	res, err := h.exec.Execute(ctx, executor.ExecuteRequest{
		CampaignID: id,
		TenantID:   tenantID,
		DryRun:     req.DryRun,
		Mode:       req.Mode,
	})
	if err != nil {
		writeExecutorError(ctx, err)
		return
	}

	status := xhttp.StatusAccepted
	if !res.Success || req.DryRun {
		status = xhttp.StatusOK
	}
	writeJSON(ctx, status, res)
}

func (h *CampaignHandler) CancelCampaign(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid campaign id")
		return
	}
	tenantID := tenant(ctx)
	if tenantID == "" {
		writeError(ctx, xhttp.StatusBadRequest, tenantHeader+" header is required")
		return
	}

	if err := h.exec.Cancel(ctx, tenantID, id); err != nil {
		writeExecutorError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, map[string]any{"campaign_id": id, "status": "CANCELLED"})
}

func (h *CampaignHandler) GetRunStats(ctx *xhttp.RequestCtx) {
	id, err := pathInt64(ctx, "id")
	if err != nil {
		writeError(ctx, xhttp.StatusBadRequest, "invalid run id")
		return
	}

	stats, err := h.exec.GetExecutionStats(ctx, id)
	if err != nil {
		writeExecutorError(ctx, err)
		return
	}
	writeJSON(ctx, xhttp.StatusOK, stats)
}

// writeExecutorError maps executor errors onto statuses callers can act on.
func writeExecutorError(ctx *xhttp.RequestCtx, err error) {
	var stateErr *executor.InvalidCampaignStateError
	switch {
	case errors.As(err, &stateErr):
		writeError(ctx, xhttp.StatusConflict, stateErr.Reason)
	case errors.Is(err, executor.ErrCampaignNotFound), errors.Is(err, executor.ErrRunNotFound):
		writeError(ctx, xhttp.StatusNotFound, err.Error())
	case errors.Is(err, executor.ErrNotCancellable):
		writeError(ctx, xhttp.StatusConflict, err.Error())
	case errors.Is(err, executor.ErrUnknownMode):
		writeError(ctx, xhttp.StatusBadRequest, err.Error())
	default:
		logger.Error("campaign request failed", "path", string(ctx.Path()), "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "internal error")
	}
}

func readJSON(ctx *xhttp.RequestCtx, dst any) error {
	return json.Unmarshal(ctx.PostBody(), dst)
}

func writeJSON(ctx *xhttp.RequestCtx, status int, v any) {
	b, _ := json.Marshal(v)
	ctx.Response.Header.Set("Content-Type", "application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}

func writeError(ctx *xhttp.RequestCtx, status int, msg string) {
	xhttp.WriteError(ctx, status, msg)
}

func pathInt64(ctx *xhttp.RequestCtx, name string) (int64, error) {
	v, ok := ctx.UserValue(name).(string)
	if !ok {
		return 0, fmt.Errorf("missing path parameter %s", name)
	}
	return strconv.ParseInt(v, 10, 64)
}

func tenant(ctx *xhttp.RequestCtx) string {
	return string(ctx.Request.Header.Peek(tenantHeader))
}
