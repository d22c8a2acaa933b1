package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"

	"github.com/turtacn/keyagent/internal/application/dto"
	"github.com/turtacn/keyagent/internal/domain/models"
	"github.com/turtacn/keyagent/internal/domain/repository"
	"github.com/turtacn/keyagent/pkg/constants"
	"github.com/turtacn/keyagent/pkg/errors"
	"github.com/turtacn/keyagent/pkg/logger"
)

// DeviceStatus reports the paired device without secrets.
type DeviceStatus interface {
	Status() models.DeviceStatus
}

// KeyStore is the part of the device-backed key store served over the API.
type KeyStore interface {
	ListKeys(ctx context.Context) []*models.KeyRecord
	Online() bool
	Ping(ctx context.Context) bool
	DeleteKey(ctx context.Context, pub ssh.PublicKey) error
	ImportToDevice(ctx context.Context, pub ssh.PublicKey, name string) error
}

// TokenChecker validates the device token against the gateway.
type TokenChecker interface {
	Check(ctx context.Context) (bool, error)
}

// AgentHandler serves the agent state on the loopback control API.
// AgentHandler 在本地回环控制 API 上提供代理状态。
type AgentHandler struct {
	device    DeviceStatus
	keys      KeyStore
	checker   TokenChecker
	lifecycle repository.KeyLifecycleRepository
	log       logger.Logger
}

// NewAgentHandler creates the handler. lifecycle may be nil.
func NewAgentHandler(device DeviceStatus, keys KeyStore, checker TokenChecker, lifecycle repository.KeyLifecycleRepository, log logger.Logger) *AgentHandler {
	return &AgentHandler{device: device, keys: keys, checker: checker, lifecycle: lifecycle, log: log.WithComponent("AgentHandler")}
}

// GetStatus returns the device status and the number of local keys.
func (h *AgentHandler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	local := 0
	for _, r := range h.keys.ListKeys(ctx) {
		if r.IsLocal() {
			local++
		}
	}
	sendSuccess(c, http.StatusOK, &dto.StatusResponse{
		Device:    h.device.Status(),
		Online:    h.keys.Online(),
		LocalKeys: local,
	})
}

// ListKeys returns the merged key list.
func (h *AgentHandler) ListKeys(c *gin.Context) {
	ctx := c.Request.Context()
	records := h.keys.ListKeys(ctx)
	sendSuccess(c, http.StatusOK, dto.NewKeyListResponse(records, h.keys.Online()))
}

// DeleteKey removes the local key named by the fingerprint query parameter.
// Fingerprints contain "/", so they are not path segments.
func (h *AgentHandler) DeleteKey(c *gin.Context) {
	ctx := c.Request.Context()
	record, err := h.findKey(ctx, c.Query("fingerprint"))
	if err != nil {
		sendError(c, err)
		return
	}
	if err := h.keys.DeleteKey(ctx, record.PublicKey); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ImportKey uploads the local key named by the fingerprint query parameter to the paired device.
func (h *AgentHandler) ImportKey(c *gin.Context) {
	ctx := c.Request.Context()
	record, err := h.findKey(ctx, c.Query("fingerprint"))
	if err != nil {
		sendError(c, err)
		return
	}
	if err := h.keys.ImportToDevice(ctx, record.PublicKey, c.Query("name")); err != nil {
		sendError(c, err)
		return
	}
	sendSuccess(c, http.StatusOK, record.Info())
}

// Check pings the gateway and validates the device token.
func (h *AgentHandler) Check(c *gin.Context) {
	ctx := c.Request.Context()
	resp := &dto.CheckResponse{Online: h.keys.Ping(ctx)}
	valid, err := h.checker.Check(ctx)
	if err != nil {
		if !errors.IsTransport(err) {
			sendError(c, err)
			return
		}
		resp.Message = err.Error()
	}
	resp.Valid = valid
	sendSuccess(c, http.StatusOK, resp)
}

// ListLifecycle returns the most recent key lifecycle entries, optionally for one account.
func (h *AgentHandler) ListLifecycle(c *gin.Context) {
	if h.lifecycle == nil {
		sendError(c, errors.ErrNotFound("key lifecycle log"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		sendError(c, errors.ErrInvalidRequest("limit must be a positive integer"))
		return
	}
	entries, err := h.lifecycle.ListRecent(c.Request.Context(), c.Query("account"), limit)
	if err != nil {
		sendError(c, errors.WrapError(err, constants.ErrCodeInternal, "failed to read key lifecycle log"))
		return
	}
	sendSuccess(c, http.StatusOK, entries)
}

func (h *AgentHandler) findKey(ctx context.Context, fingerprint string) (*models.KeyRecord, error) {
	for _, r := range h.keys.ListKeys(ctx) {
		if r.Fingerprint() == fingerprint {
			return r, nil
		}
	}
	return nil, errors.ErrKeyNotFound(fingerprint)
}

func traceID(c *gin.Context) string {
	sc := trace.SpanContextFromContext(c.Request.Context())
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

func sendSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, dto.SuccessResponse(data, traceID(c)))
}

func sendError(c *gin.Context, err error) {
	c.JSON(errors.GetHTTPStatus(err), dto.ErrorResponse(err, traceID(c)))
}
