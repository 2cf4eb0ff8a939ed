// Package handler implements the HTTP endpoints.
package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/user/ucr/internal/errs"
	"github.com/user/ucr/internal/models"
)

// writeError renders an error in the canonical envelope with the status
// the taxonomy assigns.
func writeError(c *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	c.JSON(status, models.ErrorResponse{
		Type: "error",
		Error: models.ErrorDetail{
			Type:    errs.APIErrorType(status),
			Message: err.Error(),
		},
	})
}
