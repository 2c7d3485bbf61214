// Package http is the inbound/outbound JSON surface (§6 external
// interfaces): webhook intake, inbox/conversation reads, the approve and
// delete actions, offline-sync replay, and the websocket upgrade. Built
// on gin-gonic/gin, the framework orris-inc-orris and
// blinklabs-io-adder both use for their REST layers, kept to this
// package's own handler-per-route shape rather than their heavier
// usecase-per-handler layering since every other domain package in this
// engine is already called directly from its caller without an
// intermediate repository/usecase tier.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/almudeer/engine/internal/domain/apperr"
	"github.com/almudeer/engine/internal/infra/logger"
)

// envelope is the shape of every successful JSON response body: a plain
// map whose top-level keys each handler names itself
// (messages/conversations/etc, matching the distilled routes) rather than
// a fixed data wrapper, so existing mobile/web clients built against the
// original API shape need no translation.
type envelope map[string]any

func ok(c *gin.Context, body envelope) {
	c.JSON(http.StatusOK, body)
}

func created(c *gin.Context, body envelope) {
	c.JSON(http.StatusCreated, body)
}

// fail renders err as a JSON {"error": "..."} body with the status code
// apperr.HTTPStatus maps its Kind to; an unclassified error renders as
// 500 rather than apperr's default 502, since a handler-local error
// (bad JSON, missing param) is this process's own fault, not an upstream
// transport failure.
func fail(c *gin.Context, err error) {
	if e, ok := apperr.As(err); ok {
		c.JSON(apperr.HTTPStatus(e.Kind), envelope{"error": e.Message})
		return
	}

	var verr validationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, envelope{"error": verr.Error()})
		return
	}

	logger.Warn("http: unhandled handler error", zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(http.StatusInternalServerError, envelope{"error": "internal error"})
}

// validationError wraps a request-shape problem (bad JSON, missing
// required field, out-of-range query param) so fail() renders it 400
// without requiring every handler to build an *apperr.Error for a
// condition apperr.KindValidation already exists to cover, but that
// would otherwise force an import cycle back into this package for the
// message text alone.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

func badRequest(msg string) error { return validationError{msg: msg} }
