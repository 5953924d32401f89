// Package response defines the JSON envelope every API endpoint returns.
package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

// Response is the unified API envelope. Code is 0 on success and mirrors
// the HTTP status otherwise.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AppError carries the HTTP status and message a handler wants returned.
type AppError struct {
	HTTPStatus int
	Code       int
	Message    string
}

func (e *AppError) Error() string {
	return e.Message
}

func newAppError(status int, msg string) *AppError {
	return &AppError{HTTPStatus: status, Code: status, Message: msg}
}

func NewBadRequest(msg string) *AppError   { return newAppError(http.StatusBadRequest, msg) }
func NewUnauthorized(msg string) *AppError { return newAppError(http.StatusUnauthorized, msg) }
func NewForbidden(msg string) *AppError    { return newAppError(http.StatusForbidden, msg) }
func NewNotFound(msg string) *AppError     { return newAppError(http.StatusNotFound, msg) }
func NewConflict(msg string) *AppError     { return newAppError(http.StatusConflict, msg) }
func NewServerError(msg string) *AppError  { return newAppError(http.StatusInternalServerError, msg) }

func NewTooManyRequests(msg string) *AppError {
	return newAppError(http.StatusTooManyRequests, msg)
}

func ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, Response{Code: 0, Message: message, Data: data})
}

func Success(c *gin.Context, data interface{})  { ok(c, http.StatusOK, "ok", data) }
func Created(c *gin.Context, data interface{})  { ok(c, http.StatusCreated, "created", data) }

// Accepted is for work that continues in the background.
func Accepted(c *gin.Context, data interface{}) { ok(c, http.StatusAccepted, "accepted", data) }

// Page is the data envelope for list endpoints.
type Page struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func Paginated(c *gin.Context, items interface{}, total int64, page, pageSize int) {
	Success(c, Page{Items: items, Total: total, Page: page, PageSize: pageSize})
}

// Error writes err. An *AppError anywhere in the chain is returned as is;
// anything else is logged and hidden behind a generic 500.
func Error(c *gin.Context, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		writeError(c, appErr)
		return
	}
	logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	writeError(c, NewServerError("internal server error"))
}

func writeError(c *gin.Context, e *AppError) {
	c.JSON(e.HTTPStatus, Response{Code: e.Code, Message: e.Message})
}

func BadRequest(c *gin.Context, msg string)      { writeError(c, NewBadRequest(msg)) }
func Unauthorized(c *gin.Context, msg string)    { writeError(c, NewUnauthorized(msg)) }
func Forbidden(c *gin.Context, msg string)       { writeError(c, NewForbidden(msg)) }
func NotFound(c *gin.Context, msg string)        { writeError(c, NewNotFound(msg)) }
func TooManyRequests(c *gin.Context, msg string) { writeError(c, NewTooManyRequests(msg)) }
func ServerError(c *gin.Context, msg string)     { writeError(c, NewServerError(msg)) }
