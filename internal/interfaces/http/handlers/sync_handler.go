package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

// SyncHandler accepts batches of actions a device queued while offline.
type SyncHandler struct {
	svc care.Service
}

func NewSyncHandler(svc care.Service) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Sync handles POST /families/:familyID/sync. Per-action failures are
// reported in the results; the batch itself answers 200.
func (h *SyncHandler) Sync(c *gin.Context) {
	var req care.SyncBatchRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID = middleware.UserID(c), c.Param("familyID")
	if req.DeviceID == "" {
		req.DeviceID = c.GetHeader("X-Device-ID")
	}
	res, err := h.svc.SyncBatch(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}
