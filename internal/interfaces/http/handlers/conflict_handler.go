package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/domain/conflict"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
)

// ConflictHandler lists and resolves duplicate or overlapping care records.
type ConflictHandler struct {
	svc care.Service
}

func NewConflictHandler(svc care.Service) *ConflictHandler {
	return &ConflictHandler{svc: svc}
}

// List handles GET /families/:familyID/conflicts?status=PENDING&child_id=.
func (h *ConflictHandler) List(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		writeAppError(c, err)
		return
	}
	var statuses []conflict.Status
	for _, s := range queryList(c, "status") {
		statuses = append(statuses, conflict.Status(strings.ToUpper(s)))
	}
	records, err := h.svc.ListConflicts(c.Request.Context(), &care.ConflictQuery{
		UserID:   middleware.UserID(c),
		FamilyID: c.Param("familyID"),
		ChildID:  c.Query("child_id"),
		Statuses: statuses,
		Limit:    limit,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, records)
}

// Get handles GET /families/:familyID/conflicts/:conflictID.
func (h *ConflictHandler) Get(c *gin.Context) {
	rec, err := h.svc.GetConflict(c.Request.Context(), middleware.UserID(c), c.Param("familyID"), c.Param("conflictID"))
	if err != nil {
		writeAppError(c, err)
		return
	}
	// Version doubles as the entity tag so clients can echo it back as
	// expected_version.
	c.Header("ETag", strconv.Quote(strconv.FormatInt(rec.Version, 10)))
	writeJSON(c, http.StatusOK, rec)
}

// Resolve handles POST /families/:familyID/conflicts/:conflictID/resolve.
// Resolution names are case-insensitive on the wire.
func (h *ConflictHandler) Resolve(c *gin.Context) {
	var req care.ResolveRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID, req.ConflictID = middleware.UserID(c), c.Param("familyID"), c.Param("conflictID")
	req.Resolution = conflict.Resolution(strings.ToUpper(strings.TrimSpace(string(req.Resolution))))
	if req.ExpectedVersion == 0 {
		if v, ok := ifMatchVersion(c); ok {
			req.ExpectedVersion = v
		}
	}
	out, err := h.svc.ResolveConflict(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, out)
}

// Policy handles GET /conflict-policy.
func (h *ConflictHandler) Policy(c *gin.Context) {
	writeJSON(c, http.StatusOK, h.svc.ConflictPolicy())
}

func ifMatchVersion(c *gin.Context) (int64, bool) {
	raw := strings.TrimSpace(c.GetHeader("If-Match"))
	if raw == "" {
		return 0, false
	}
	if unq, err := strconv.Unquote(raw); err == nil {
		raw = unq
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}
