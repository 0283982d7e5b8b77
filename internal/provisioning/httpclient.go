package provisioning

import (
	"context"
	"net/http"
	"time"

	"droplift/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// defaultRequestTimeout bounds a single round trip; the orchestrator owns
// everything above that.
const defaultRequestTimeout = 30 * time.Second

// zapLeveledLogger adapts the process logger to retryablehttp.LeveledLogger.
type zapLeveledLogger struct {
	sugar *zap.SugaredLogger
}

func (l zapLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l zapLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// noRetry stops retryablehttp after the first attempt. Retrying is the
// orchestrator's decision, never the transport's.
func noRetry(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	return false, ctx.Err()
}

// NewHTTPClient returns the transport shared by the REST adapters: a
// retryablehttp client with retries disabled, so requests are logged through
// zap and errors come back unchanged.
func NewHTTPClient(provider string) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = noRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Timeout = defaultRequestTimeout
	client.Logger = zapLeveledLogger{sugar: logging.Logger().Sugar().With("provider", provider)}
	client.ResponseLogHook = func(_ retryablehttp.Logger, resp *http.Response) {
		logging.Logger().Debug("provider response",
			zap.String("provider", provider),
			zap.String("method", resp.Request.Method),
			zap.String("path", resp.Request.URL.Path),
			zap.Int("status", resp.StatusCode))
	}
	return client.StandardClient()
}
