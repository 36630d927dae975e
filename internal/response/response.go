// Package response renders the relay's standardized JSON error body.
package response

import (
	"net/http"

	"antitrunc-relay/internal/relayerrors"

	"github.com/gin-gonic/gin"
)

// errorBody is the JSON shape written for every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error writes apiErr as the standard error body, attaching the request ID
// stored on the context (if any) by the request-id middleware.
func Error(c *gin.Context, apiErr *relayerrors.APIError) {
	requestID, _ := c.Get("request_id")
	id, _ := requestID.(string)
	c.JSON(apiErr.HTTPStatus, errorBody{
		Error: errorDetail{
			Kind:      apiErr.Kind,
			Message:   apiErr.Message,
			RequestID: id,
		},
	})
}

// Health writes the trivial liveness body used by GET /health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
