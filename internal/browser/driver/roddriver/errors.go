package roddriver

import (
	"context"
	"errors"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

var (
	disconnectMarkers = []string{"target closed", "websocket", "use of closed network connection", "no target with given id", "session with given id not found"}
	staleMarkers      = []string{"no node with given id", "could not find node", "cannot find context with specified id", "execution context was destroyed", "object not found"}
)

// classify maps rod and protocol errors onto the driver error taxonomy.
func classify(op string, err error, t *Tab) error {
	if err == nil {
		return nil
	}
	var derr *schemas.DriverError
	if errors.As(err, &derr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if t != nil {
		if t.crashed.Load() {
			return schemas.NewDriverError(schemas.DriverCrashed, op, err)
		}
		if t.detached.Load() {
			return schemas.NewDriverError(schemas.DriverDisconnected, op, err)
		}
	}

	var evalErr *rod.EvalError
	if errors.As(err, &evalErr) {
		return schemas.NewDriverError(schemas.DriverScriptError, op, err)
	}
	var notFound *rod.ObjectNotFoundError
	if errors.As(err, &notFound) {
		return schemas.NewDriverError(schemas.DriverStaleElement, op, err)
	}

	msg := strings.ToLower(err.Error())
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		msg = strings.ToLower(cdpErr.Message)
	}
	for _, m := range disconnectMarkers {
		if strings.Contains(msg, m) {
			return schemas.NewDriverError(schemas.DriverDisconnected, op, err)
		}
	}
	for _, m := range staleMarkers {
		if strings.Contains(msg, m) {
			return schemas.NewDriverError(schemas.DriverStaleElement, op, err)
		}
	}
	return schemas.NewDriverError(schemas.DriverScriptError, op, err)
}
