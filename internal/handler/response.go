package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketpulse/internal/repository"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// storeError answers a failed repository call. Missing rows are 404;
// everything else is a 502 with a fixed message so driver errors stay
// out of responses.
func storeError(c *gin.Context, err error, what string) {
	if errors.Is(err, repository.ErrNotFound) {
		Error(c, http.StatusNotFound, what+" not found", nil)
		return
	}
	_ = c.Error(err)
	Error(c, http.StatusBadGateway, what+" store error", nil)
}
