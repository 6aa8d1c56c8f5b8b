package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

type PresenceHandler struct {
	svc care.Service
}

func NewPresenceHandler(svc care.Service) *PresenceHandler {
	return &PresenceHandler{svc: svc}
}

// Heartbeat handles POST /families/:familyID/presence/heartbeat.
func (h *PresenceHandler) Heartbeat(c *gin.Context) {
	var req care.HeartbeatRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID = middleware.UserID(c), c.Param("familyID")
	rec, err := h.svc.Heartbeat(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

// List handles GET /families/:familyID/presence.
func (h *PresenceHandler) List(c *gin.Context) {
	records, err := h.svc.Presence(c.Request.Context(), middleware.UserID(c), c.Param("familyID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, records)
}
