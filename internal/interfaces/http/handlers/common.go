// Package handlers adapts care.Service to HTTP. Handlers bind and validate
// the request shape only; authorization happens in the service.
package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/internal/interfaces/http/middleware"
	"github.com/turtacn/CareCircle/pkg/errors"
)

const maxListLimit = 1000

// Meta carries informational conditions that are not failures, such as a
// write that opened a conflict.
type Meta struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DataResponse is the success envelope.
type DataResponse struct {
	Data interface{} `json:"data"`
	Meta *Meta       `json:"meta,omitempty"`
}

func writeJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, DataResponse{Data: data})
}

func writeAppError(c *gin.Context, err error) {
	middleware.AbortWithError(c, err)
}

// bindJSON decodes the body into v. An empty body is accepted for requests
// whose fields are all optional.
func bindJSON(c *gin.Context, v interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		return errors.New(errors.ErrCodeValidation, "malformed JSON body").WithDetail(err.Error())
	}
	return nil
}

func queryTime(c *gin.Context, key string) (time.Time, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.New(errors.ErrCodeValidation, key+" must be an RFC 3339 timestamp")
	}
	return t, nil
}

func queryLimit(c *gin.Context) (int, error) {
	v := strings.TrimSpace(c.Query("limit"))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > maxListLimit {
		return 0, errors.New(errors.ErrCodeValidation, "limit must be between 0 and 1000")
	}
	return n, nil
}

// queryList accepts both repeated keys and comma-separated values.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
