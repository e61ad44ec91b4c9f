package util

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"syscall"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/ordishs/gocore"
)

var (
	// httpRequestTimeout is the request timeout in seconds used when the context has no deadline.
	httpRequestTimeout, _ = gocore.Config().GetInt("http_timeout", 60)
)

// DoHTTPRequest performs an HTTP GET, or a POST when requestBody is given, and returns the response body.
func DoHTTPRequest(ctx context.Context, url string, requestBody ...[]byte) ([]byte, error) {
	body, cancelFn, err := doHTTPRequest(ctx, url, requestBody...)
	defer cancelFn()

	if err != nil {
		return nil, err
	}

	defer func() {
		_ = body.Close()
	}()

	b, err := io.ReadAll(body)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.NewNetworkTimeoutError("http request [%s] timed out while reading body", url, err)
		}

		return nil, errors.NewServiceError("http request [%s] failed to read body", url, err)
	}

	return b, nil
}

// DoHTTPRequestBodyReader performs the request like DoHTTPRequest but streams the body. The caller closes it.
func DoHTTPRequestBodyReader(ctx context.Context, url string, requestBody ...[]byte) (io.ReadCloser, error) {
	body, cancelFn, err := doHTTPRequest(ctx, url, requestBody...)
	if err != nil {
		cancelFn()
		return nil, err
	}

	return &cancelReadCloser{ReadCloser: body, cancel: cancelFn}, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func doHTTPRequest(ctx context.Context, url string, requestBody ...[]byte) (io.ReadCloser, context.CancelFunc, error) {
	cancelFn := func() {
		// noop
	}

	if _, ok := ctx.Deadline(); !ok {
		ctx, cancelFn = context.WithTimeout(ctx, time.Duration(httpRequestTimeout)*time.Second)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, cancelFn, errors.NewInvalidArgumentError("failed to create http request", err)
	}

	if len(requestBody) > 0 && requestBody[0] != nil {
		req.Body = io.NopCloser(bytes.NewReader(requestBody[0]))
		req.Method = http.MethodPost
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, syscall.ECONNREFUSED):
			return nil, cancelFn, errors.NewNetworkConnectionRefusedError("http request [%s] refused", url, err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, cancelFn, errors.NewNetworkTimeoutError("http request [%s] timed out", url, err)
		default:
			return nil, cancelFn, errors.NewNetworkError("failed to do http request [%s]", url, err)
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		defer func() {
			_ = resp.Body.Close()
		}()

		errFn := errors.NewServiceError

		switch resp.StatusCode {
		case http.StatusNotFound:
			errFn = errors.NewNotFoundError
		case http.StatusServiceUnavailable:
			errFn = errors.NewServiceUnavailableError
		}

		b, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, cancelFn, errFn("http request [%s] returned status code [%d]", url, resp.StatusCode, readErr)
		}

		if len(b) > 0 {
			return nil, cancelFn, errFn("http request [%s] returned status code [%d] with body [%s]", url, resp.StatusCode, string(bytes.TrimSpace(b)))
		}

		return nil, cancelFn, errFn("http request [%s] returned status code [%d]", url, resp.StatusCode)
	}

	if resp.Header.Get("content-type") == "text/html" {
		_ = resp.Body.Close()
		return nil, cancelFn, errors.NewServiceError("http request [%s] returned HTML - assume bad URL", url)
	}

	return resp.Body, cancelFn, nil
}
