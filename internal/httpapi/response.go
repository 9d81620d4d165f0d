package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AILab-FOI/bytesophos/internal/answer"
	"github.com/AILab-FOI/bytesophos/internal/searcher"
	"github.com/AILab-FOI/bytesophos/internal/snapshot"
	"github.com/AILab-FOI/bytesophos/pkg/types"
)

// Error codes carried in the envelope. The first three digits repeat the
// HTTP status.
const (
	CodeOK               = 0
	CodeBadRequest       = 40001
	CodeEmptyQuery       = 40002
	CodeForbidden        = 40301
	CodeNotFound         = 40401
	CodeInProgress       = 40901
	CodeNotIndexed       = 40902
	CodeTooLarge         = 41301
	CodeInternal         = 50001
	CodeCompletionFailed = 50201
	CodeUnavailable      = 50301
)

// Response is the success envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Success writes data with status 200.
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: CodeOK, Message: "success", Data: data})
}

// Accepted writes data with status 202.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{Code: CodeOK, Message: "accepted", Data: data})
}

// Error writes an error envelope.
func Error(c *gin.Context, httpCode, errCode int, message string) {
	c.JSON(httpCode, ErrorResponse{Code: errCode, Message: message})
}

// ErrorWithDetail writes an error envelope with a detail string.
func ErrorWithDetail(c *gin.Context, httpCode, errCode int, message, detail string) {
	c.JSON(httpCode, ErrorResponse{Code: errCode, Message: message, Detail: detail})
}

// statusFor maps a domain error to its HTTP status and envelope code.
func statusFor(err error) (int, int) {
	switch {
	case errors.Is(err, types.ErrRepositoryNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, types.ErrIngestionInProgress):
		return http.StatusConflict, CodeInProgress
	case errors.Is(err, types.ErrNotIndexed):
		return http.StatusConflict, CodeNotIndexed
	case errors.Is(err, types.ErrEmptyQuery):
		return http.StatusBadRequest, CodeEmptyQuery
	case errors.Is(err, types.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, snapshot.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	case errors.Is(err, snapshot.ErrInvalidGitURL),
		errors.Is(err, snapshot.ErrInvalidArchive),
		errors.Is(err, searcher.ErrInvalidMode):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, answer.ErrNoAPIKey):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, answer.ErrCompletionFailed):
		return http.StatusBadGateway, CodeCompletionFailed
	}
	return http.StatusInternalServerError, CodeInternal
}

// fail writes err with the status it maps to. Internal errors keep their
// text out of the message.
func (s *Server) fail(c *gin.Context, err error) {
	httpCode, code := statusFor(err)
	if httpCode >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err)
		if code == CodeInternal {
			Error(c, httpCode, code, "internal error")
			return
		}
	}
	ErrorWithDetail(c, httpCode, code, http.StatusText(httpCode), err.Error())
}
