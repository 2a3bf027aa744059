package telemetry

import (
	"context"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// NewLogHandler fans every record out to next and to an otelslog handler
// named scope. Records below next's level are not exported either.
//
// Call it after [Setup]: without [otelslog.WithLoggerProvider] the bridge
// uses the global provider, which is a no-op until Setup installs one.
func NewLogHandler(next slog.Handler, scope string, options ...otelslog.Option) slog.Handler {
	sameLevel := slogmulti.NewEnabledInlineMiddleware(
		func(ctx context.Context, level slog.Level, enabled func(context.Context, slog.Level) bool) bool {
			return next.Enabled(ctx, level) && enabled(ctx, level)
		},
	)
	export := slogmulti.Pipe(sameLevel).Handler(otelslog.NewHandler(scope, options...))
	return slogmulti.Fanout(next, export)
}
