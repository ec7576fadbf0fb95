package server

import (
	"context"
	"log/slog"

	"gatecast/internal/observability/logging"
)

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	if logger == nil {
		logger = slog.Default()
	}
	return logging.WithContext(ctx, logger)
}
