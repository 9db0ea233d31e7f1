package driver

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/wayfinder/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ProbeResult is what ProbeScript reports about an interaction target.
type ProbeResult struct {
	Status string  `json:"status"`
	By     string  `json:"by,omitempty"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// Err converts a non-ok probe into the matching driver error.
func (p ProbeResult) Err(op string) error {
	switch p.Status {
	case "ok":
		return nil
	case "stale", "missing":
		return schemas.NewDriverError(schemas.DriverStaleElement, op, errors.New("node is no longer attached"))
	case "occluded":
		return schemas.NewDriverError(schemas.DriverNotInteractable, op, fmt.Errorf("click target occluded by <%s>", p.By))
	case "hidden":
		return schemas.NewDriverError(schemas.DriverNotInteractable, op, errors.New("element is not visible"))
	case "disabled":
		return schemas.NewDriverError(schemas.DriverNotInteractable, op, errors.New("element is disabled"))
	default:
		return schemas.NewDriverError(schemas.DriverScriptError, op, fmt.Errorf("unexpected probe status %q", p.Status))
	}
}

// ProbeCall renders ProbeScript as an immediately invoked expression.
func ProbeCall(in Interaction) string {
	handle, _ := json.Marshal(in.Handle)
	selector, _ := json.Marshal(in.Selector)
	return fmt.Sprintf("(%s)(%s, %s)", ProbeScript, handle, selector)
}

// CaptureCall renders CaptureScript as an immediately invoked expression.
func CaptureCall() string {
	return "(" + CaptureScript + ")()"
}

// StorageCall renders StorageScript as an immediately invoked expression.
func StorageCall() string {
	return "(" + StorageScript + ")()"
}

// ClearStorageCall empties both web storage areas of the current origin.
func ClearStorageCall() string {
	return `(() => {
  try { window.localStorage.clear(); window.sessionStorage.clear(); } catch (e) {}
  return true;
})()`
}

// RestoreStorageCall builds an expression writing both web storage areas.
func RestoreStorageCall(state *schemas.StorageState) (string, error) {
	local, err := json.Marshal(state.LocalStorage)
	if err != nil {
		return "", fmt.Errorf("encode localStorage: %w", err)
	}
	session, err := json.Marshal(state.SessionStorage)
	if err != nil {
		return "", fmt.Errorf("encode sessionStorage: %w", err)
	}
	return fmt.Sprintf(`(() => {
  const put = (store, items) => { for (const [k, v] of Object.entries(items || {})) store.setItem(k, v); };
  put(window.localStorage, %s);
  put(window.sessionStorage, %s);
  return true;
})()`, local, session), nil
}
