// Package response writes the JSON envelope used by every API endpoint.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderRequestID carries the request id in and out of the API.
const HeaderRequestID = "X-Request-ID"

// Body is the standard API response envelope.
type Body struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func write(c *gin.Context, status int, body Body) {
	body.RequestID = c.Writer.Header().Get(HeaderRequestID)
	c.JSON(status, body)
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data any) {
	write(c, http.StatusOK, Body{Success: true, Data: data})
}

// Accepted sends 202: the request was taken over by the asynchronous pipeline.
func Accepted(c *gin.Context, data any) {
	write(c, http.StatusAccepted, Body{Success: true, Data: data})
}

// Fail sends status with an error message.
func Fail(c *gin.Context, status int, err string) {
	write(c, status, Body{Success: false, Error: err})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) { Fail(c, http.StatusBadRequest, err) }

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) { Fail(c, http.StatusUnauthorized, err) }

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) { Fail(c, http.StatusForbidden, err) }

// NotFound sends 404.
func NotFound(c *gin.Context, err string) { Fail(c, http.StatusNotFound, err) }

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) { Fail(c, http.StatusServiceUnavailable, err) }

// Internal sends 500.
func Internal(c *gin.Context, err string) { Fail(c, http.StatusInternalServerError, err) }
