package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/application/care"
	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
	"github.com/turtacn/CareCircle/pkg/errors"
)

// ActivityHandler serves the activity log and the data derived from it.
type ActivityHandler struct {
	svc care.Service
}

func NewActivityHandler(svc care.Service) *ActivityHandler {
	return &ActivityHandler{svc: svc}
}

// Append handles POST /families/:familyID/children/:childID/activities.
// A write that opened a conflict still answers 201, with the conflict and a
// CARE_004 meta entry. A repeat of a known event_id answers 200 with the
// stored event.
func (h *ActivityHandler) Append(c *gin.Context) {
	var req care.AppendActivityRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID, req.ChildID = middleware.UserID(c), c.Param("familyID"), c.Param("childID")
	if req.DeviceID == "" {
		req.DeviceID = c.GetHeader("X-Device-ID")
	}
	if req.EventID == "" {
		req.EventID = c.GetHeader("Idempotency-Key")
	}
	res, err := h.svc.AppendActivity(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	resp := DataResponse{Data: res}
	if res.Conflict != nil {
		resp.Meta = &Meta{
			Code:    string(errors.ErrCodeConflictPending),
			Message: errors.DefaultMessageForCode(errors.ErrCodeConflictPending),
		}
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// Feed handles GET /families/:familyID/activities.
func (h *ActivityHandler) Feed(c *gin.Context) {
	since, err := queryTime(c, "since")
	if err != nil {
		writeAppError(c, err)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		writeAppError(c, err)
		return
	}
	events, err := h.svc.ActivityFeed(c.Request.Context(), &care.FeedRequest{
		UserID:        middleware.UserID(c),
		FamilyID:      c.Param("familyID"),
		Since:         since,
		ChildIDs:      queryList(c, "child_id"),
		IncludeHidden: c.Query("include_hidden") == "true",
		Limit:         limit,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, events)
}

func rangeRequest(c *gin.Context) (*care.RangeRequest, error) {
	from, err := queryTime(c, "from")
	if err != nil {
		return nil, err
	}
	to, err := queryTime(c, "to")
	if err != nil {
		return nil, err
	}
	return &care.RangeRequest{
		UserID:   middleware.UserID(c),
		FamilyID: c.Param("familyID"),
		From:     from,
		To:       to,
		ChildIDs: queryList(c, "child_id"),
	}, nil
}

// Export handles GET /families/:familyID/export.
func (h *ActivityHandler) Export(c *gin.Context) {
	req, err := rangeRequest(c)
	if err != nil {
		writeAppError(c, err)
		return
	}
	export, err := h.svc.ExportActivity(c.Request.Context(), req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="carecircle-export.json"`)
	writeJSON(c, http.StatusOK, export)
}

// Summary handles GET /families/:familyID/analytics.
func (h *ActivityHandler) Summary(c *gin.Context) {
	req, err := rangeRequest(c)
	if err != nil {
		writeAppError(c, err)
		return
	}
	summary, err := h.svc.ActivitySummary(c.Request.Context(), req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, summary)
}

// PhotoUpload handles POST /families/:familyID/children/:childID/photos and
// returns a presigned PUT URL. The photo event is appended separately with
// the returned object key.
func (h *ActivityHandler) PhotoUpload(c *gin.Context) {
	var req care.PhotoUploadRequest
	if err := bindJSON(c, &req); err != nil {
		writeAppError(c, err)
		return
	}
	req.UserID, req.FamilyID, req.ChildID = middleware.UserID(c), c.Param("familyID"), c.Param("childID")
	url, err := h.svc.PhotoUploadURL(c.Request.Context(), &req)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, url)
}
