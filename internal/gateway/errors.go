package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/runplane/runplane/internal/apperr"
	"github.com/runplane/runplane/internal/provider"
	"github.com/runplane/runplane/internal/queue"
	"github.com/runplane/runplane/internal/run"
	"github.com/runplane/runplane/internal/store"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:      http.StatusBadRequest,
	apperr.KindNotFound:        http.StatusNotFound,
	apperr.KindConflict:        http.StatusConflict,
	apperr.KindUpstreamHTTP:    http.StatusBadGateway,
	apperr.KindUpstreamTimeout: http.StatusGatewayTimeout,
	apperr.KindUpstreamNetwork: http.StatusBadGateway,
	apperr.KindProviderFailure: http.StatusBadGateway,
	apperr.KindInternal:        http.StatusInternalServerError,
}

// writeError maps a classified or sentinel error to an HTTP status and a
// JSON body of the form {"error": "..."}.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, store.ErrRunNotFound),
		errors.Is(err, store.ErrWorkerNotFound),
		errors.Is(err, store.ErrHumanLoopNotFound),
		errors.Is(err, queue.ErrRunNotQueued):
		status = http.StatusNotFound

	case errors.Is(err, queue.ErrDuplicateRun),
		errors.Is(err, store.ErrRunExists),
		errors.Is(err, run.ErrStreamConsumed),
		errors.Is(err, run.ErrRunNotActive),
		errors.Is(err, run.ErrHumanLoopUnsupported):
		status = http.StatusConflict

	case errors.Is(err, provider.ErrUnknownProvider):
		status = http.StatusBadRequest

	default:
		var ae *apperr.Error
		if errors.As(err, &ae) {
			if s, ok := kindStatus[ae.Kind]; ok {
				status = s
			}
		}
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

func errNoFlusher() error {
	return apperr.New(apperr.KindInternal, "response writer does not support streaming")
}

func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
}
