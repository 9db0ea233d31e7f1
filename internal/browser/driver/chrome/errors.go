package chrome

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdproto"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

// Fragments of DevTools error messages, lowercased.
var (
	disconnectMarkers = []string{"target closed", "websocket", "use of closed network connection", "no target with given id", "session with given id not found", "inspected target navigated or closed"}
	staleMarkers      = []string{"no node with given id", "could not find node", "node is detached", "cannot find context with specified id", "execution context was destroyed"}
)

// classify maps a chromedp or protocol error onto the driver error taxonomy.
// Caller cancellations pass through untouched.
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
	if errors.Is(err, chromedp.ErrInvalidContext) || errors.Is(err, chromedp.ErrInvalidTarget) || errors.Is(err, chromedp.ErrChannelClosed) {
		return schemas.NewDriverError(schemas.DriverDisconnected, op, err)
	}

	msg := strings.ToLower(err.Error())
	var perr *cdproto.Error
	if errors.As(err, &perr) {
		msg = strings.ToLower(perr.Message)
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

// epoch converts fractional Unix seconds to a time.
func epoch(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*1e9))
}
