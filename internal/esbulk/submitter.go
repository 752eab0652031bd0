package esbulk

import (
	"context"

	"go.uber.org/zap"

	"github.com/jhinw/sfingest/internal/retry"
)

// Submitter sends framed bulk bodies with the shared retry policy.
type Submitter struct {
	client BulkTransport
	logger *zap.Logger
}

// NewSubmitter builds a Submitter around an ES bulk transport.
func NewSubmitter(client BulkTransport, logger *zap.Logger) *Submitter {
	return &Submitter{client: client, logger: logger}
}

// transportSuccess is the predicate for the first submit: maxRetries=Unbounded,
// so only transport success matters — per-item errors are handled by the
// caller afterward. A structured 4xx/5xx response is still a failure to
// retry here: only a successfully parsed 2xx response counts.
func transportSuccess(resp Response) bool {
	return resp.Kind == ServerSuccess
}

// transportAndItemSuccess is the predicate for the bounded retry/quarantine
// phases: transport success AND zero per-item errors.
func transportAndItemSuccess(resp Response) bool {
	return resp.Kind == ServerSuccess && !resp.HasErrors
}

// SubmitUnbounded sends body with unbounded exponential-backoff retry,
// demanding only transport success.
func (s *Submitter) SubmitUnbounded(ctx context.Context, body []byte) (Response, error) {
	action := func(ctx context.Context) (Response, error) { return submit(ctx, s.client, body) }
	return retry.SendWithRetries[Response](ctx, s.logger, action, transportSuccess, retry.Unbounded)
}

// SubmitBounded sends body with bounded retry, demanding transport success
// and zero per-item errors.
func (s *Submitter) SubmitBounded(ctx context.Context, body []byte, maxRetries int) (Response, error) {
	action := func(ctx context.Context) (Response, error) { return submit(ctx, s.client, body) }
	return retry.SendWithRetries[Response](ctx, s.logger, action, transportAndItemSuccess, maxRetries)
}
