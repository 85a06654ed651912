package session

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blefirmata/pkg/config"
)

// Callback works with an open session and produces a result of type R.
type Callback[R any] func(*Session) (R, error)

// Run opens a session, executes callback with it and closes the session afterwards.
func Run[R any](ctx context.Context, cfg *config.Config, logger *logrus.Logger, progress ProgressCallback, callback Callback[R]) (R, error) {
	var zero R
	if logger == nil {
		logger = logrus.New()
	}

	s, err := Open(ctx, cfg, logger, progress)
	if err != nil {
		return zero, err
	}

	defer func() {
		if err := s.Close(); err != nil {
			logger.WithError(err).Error("failed to close session")
		}
	}()

	return callback(s)
}
