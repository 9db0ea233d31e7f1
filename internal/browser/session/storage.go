package session

import (
	"context"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wayfinder/api/schemas"
	"github.com/xkilldash9x/wayfinder/internal/browser/driver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnsupported is returned when the engine behind a session lacks a
// capability an operation needs.
var ErrUnsupported = errors.New("not supported by this browser engine")

// ExportStorage reads cookies and web storage of the current page.
func (s *Session) ExportStorage(ctx context.Context) (*schemas.StorageState, error) {
	st, ok := s.tab.(driver.StorageTab)
	if !ok {
		return nil, fmt.Errorf("export storage: %w", ErrUnsupported)
	}
	ctx, done, err := s.begin(ctx, "export storage")
	if err != nil {
		return nil, err
	}
	defer done()

	state, err := st.ReadStorage(ctx)
	if err != nil {
		s.fail(err)
		return nil, err
	}
	return state, nil
}

// ImportStorage restores state into the current page. Web storage is bound
// to an origin, so navigate first.
func (s *Session) ImportStorage(ctx context.Context, state *schemas.StorageState) error {
	if state == nil {
		return nil
	}
	st, ok := s.tab.(driver.StorageTab)
	if !ok {
		return fmt.Errorf("import storage: %w", ErrUnsupported)
	}
	ctx, done, err := s.begin(ctx, "import storage")
	if err != nil {
		return err
	}
	defer done()

	if err := st.WriteStorage(ctx, state); err != nil {
		s.fail(err)
		return err
	}
	s.logger.Debug("Restored storage.",
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("local", len(state.LocalStorage)),
		zap.Int("session", len(state.SessionStorage)),
	)
	return nil
}

// ClearStorage deletes the browser's cookies and the current origin's web
// storage, leaving the page logged out.
func (s *Session) ClearStorage(ctx context.Context) error {
	st, ok := s.tab.(driver.StorageTab)
	if !ok {
		return fmt.Errorf("clear storage: %w", ErrUnsupported)
	}
	ctx, done, err := s.begin(ctx, "clear storage")
	if err != nil {
		return err
	}
	defer done()

	if err := st.ClearStorage(ctx); err != nil {
		s.fail(err)
		return err
	}
	s.logger.Debug("Cleared storage.")
	return nil
}

// WriteStorageState encodes state as indented JSON.
func WriteStorageState(w io.Writer, state *schemas.StorageState) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("failed to encode storage state: %w", err)
	}
	return nil
}

// ReadStorageState decodes a state written by WriteStorageState.
func ReadStorageState(r io.Reader) (*schemas.StorageState, error) {
	var state schemas.StorageState
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return nil, fmt.Errorf("failed to decode storage state: %w", err)
	}
	return &state, nil
}
