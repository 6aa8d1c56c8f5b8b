package middleware

import (
	stdliberrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/CareCircle/pkg/errors"
)

// ErrorBody is the envelope of every failed response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes one failure. Clients branch on Code and Retryable.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps err to its HTTP status through the error-code table.
func StatusFor(err error) int {
	code := errors.GetCode(err)
	if code == errors.CodeUnknown || code == errors.CodeOK {
		return http.StatusInternalServerError
	}
	return errors.HTTPStatusForCode(code)
}

// AbortWithError writes err as an ErrorBody and stops the chain. Server-side
// failures are masked; the original error stays on c.Errors for the request
// log.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	status := StatusFor(err)
	detail := ErrorDetail{
		Code:      string(errors.GetCode(err)),
		Message:   errors.DefaultMessageForCode(errors.GetCode(err)),
		Retryable: errors.IsRetryable(err),
		RequestID: RequestID(c),
	}
	var ae *errors.AppError
	if stdliberrors.As(err, &ae) {
		detail.Message = ae.Message
		detail.Detail = ae.Detail
	}
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		detail.Code = string(errors.ErrCodeInternal)
		detail.Message = errors.DefaultMessageForCode(errors.ErrCodeInternal)
		detail.Detail = ""
	}
	if detail.Code == string(errors.CodeUnknown) {
		detail.Code = string(errors.ErrCodeInternal)
	}
	c.AbortWithStatusJSON(status, ErrorBody{Error: detail})
}
