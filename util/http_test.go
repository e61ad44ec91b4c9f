package util

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bsv-blockchain/blocksync/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoHTTPRequestGET(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"best":12}`))
	}))
	defer server.Close()

	response, err := DoHTTPRequest(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, `{"best":12}`, string(response))
}

func TestDoHTTPRequestPOST(t *testing.T) {
	requestBody := []byte(`{"reason":"operator"}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, requestBody, body)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"reset":true}`))
	}))
	defer server.Close()

	response, err := DoHTTPRequest(context.Background(), server.URL, requestBody)
	require.NoError(t, err)
	assert.Equal(t, `{"reset":true}`, string(response))
}

func TestDoHTTPRequestStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{"not_found", http.StatusNotFound, errors.ErrNotFound},
		{"unavailable", http.StatusServiceUnavailable, errors.ErrServiceUnavailable},
		{"internal", http.StatusInternalServerError, errors.ErrServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("progress not available yet\n"))
			}))
			defer server.Close()

			_, err := DoHTTPRequest(context.Background(), server.URL)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target))
			assert.Contains(t, err.Error(), "progress not available yet")
		})
	}
}

func TestDoHTTPRequestHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/html")
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer server.Close()

	_, err := DoHTTPRequest(context.Background(), server.URL)
	assert.True(t, errors.Is(err, errors.ErrServiceError))
}

func TestDoHTTPRequestWithTimeout(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := DoHTTPRequest(ctx, server.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetworkTimeout))
}

func TestDoHTTPRequestConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = DoHTTPRequest(context.Background(), "http://"+address)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetworkConnRefused))
}

func TestDoHTTPRequestBodyReader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("streamed"))
	}))
	defer server.Close()

	body, err := DoHTTPRequestBodyReader(context.Background(), server.URL)
	require.NoError(t, err)

	b, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "streamed", string(b))
}
