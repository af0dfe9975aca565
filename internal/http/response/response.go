package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/scenegraph-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

// RespondFromError picks status and code from the error's pipeline kind.
// Internal failures do not leak their message.
func RespondFromError(c *gin.Context, err error) {
	ae := apierr.FromError(err)
	msg := ae.Error()
	if ae.Status >= http.StatusInternalServerError && ae.Code == "internal" {
		msg = "internal error"
	}
	c.JSON(ae.Status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    ae.Code,
			Stage:   ae.Stage,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
