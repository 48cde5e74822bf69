package export

import (
	"context"
	"errors"

	"github.com/ppiankov/nadag/internal/model"
)

// Sink receives assembled query results.
type Sink interface {
	Write(ctx context.Context, result *model.Result) error
	Close() error
}

// Multi fans a result out to every sink in order, stopping at the first
// failure.
type Multi []Sink

// Write writes result to every sink.
func (m Multi) Write(ctx context.Context, result *model.Result) error {
	for _, s := range m {
		if err := s.Write(ctx, result); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
