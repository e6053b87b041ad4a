package sandbox

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type release struct {
	name string
	fn   func(ctx context.Context) error
}

// cleanupStack holds everything a run acquired, released in reverse order.
type cleanupStack struct {
	releases []release
}

func (s *cleanupStack) push(name string, fn func(ctx context.Context) error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// unwind releases every resource, newest first. A failing or panicking
// release does not stop the ones below it.
func (s *cleanupStack) unwind(ctx context.Context, logger *zap.Logger) error {
	var errs error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if err := safeRelease(ctx, r); err != nil {
			logger.Warn("cleanup failed", zap.String("resource", r.name), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
	s.releases = nil
	return errs
}

func safeRelease(ctx context.Context, r release) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("release %s panicked: %v", r.name, p)
		}
	}()
	if err := r.fn(ctx); err != nil {
		return fmt.Errorf("release %s: %w", r.name, err)
	}
	return nil
}
