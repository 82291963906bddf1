package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"job-dispatcher/internal/domain"

	"github.com/cenkalti/backoff/v4"
)

// maxBody caps the response body kept as job payload.
const maxBody = 64 << 10

type httpTaskExecutor struct {
	client     *http.Client
	maxRetries uint64
	backoff    time.Duration
}

// NewHttpTaskExecutor returns an executor for http jobs. Arguments are the
// method, the URL and an optional request body. Timeouts and 5xx responses
// are retried up to maxRetries times.
func NewHttpTaskExecutor(timeout time.Duration, maxRetries int, retryBackoff time.Duration) domain.TaskExecutor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &httpTaskExecutor{
		client: &http.Client{
			Timeout: timeout,
		},
		maxRetries: uint64(maxRetries),
		backoff:    retryBackoff,
	}
}

// Execute issues the request and returns the response body.
func (e *httpTaskExecutor) Execute(ctx context.Context, job *domain.Job) (string, error) {
	if len(job.Arguments) < 2 {
		return "", fmt.Errorf("%w: http job %s needs a method and a url", domain.ErrInvalidInput, job.ID)
	}

	var output string
	attempt := 0
	op := func() error {
		attempt++
		out, err := e.doExecute(ctx, job)
		output = out
		if err == nil {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return err
		}
		var se *statusError
		if errors.As(err, &se) && se.code >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(e.backoff), e.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if attempt > 1 {
			return output, fmt.Errorf("job failed after %d attempts: %w", attempt, err)
		}
		return output, err
	}
	return output, nil
}

type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string {
	if e.code >= 500 {
		return "http request returned 5xx server error: " + e.status
	}
	return "http request returned 4xx client error: " + e.status
}

// doExecute performs a single HTTP request.
func (e *httpTaskExecutor) doExecute(ctx context.Context, job *domain.Job) (string, error) {
	method := strings.ToUpper(job.Arguments[0])
	var body io.Reader
	if len(job.Arguments) > 2 {
		body = strings.NewReader(job.Arguments[2])
	}
	req, err := http.NewRequestWithContext(ctx, method, job.Arguments[1], body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create http request: %v", domain.ErrInvalidInput, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	if resp.StatusCode >= 500 {
		return string(bodyBytes), &statusError{code: resp.StatusCode, status: resp.Status}
	}
	if resp.StatusCode >= 400 {
		return string(bodyBytes), fmt.Errorf("%w: %w", domain.ErrInvalidInput, &statusError{code: resp.StatusCode, status: resp.Status})
	}
	return string(bodyBytes), nil
}
