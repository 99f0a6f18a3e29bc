package ingestion

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const testPayload = `{"logs":[]}`

func newRequest(url string) logging.Request {
	return logging.Request{
		EndpointURL: url,
		AppSecret:   "app-secret",
		InstallID:   uuid.MustParse("6f9619ff-8b86-d011-b42d-00cf4fc964ff"),
		Payload:     []byte(testPayload),
		LogCount:    0,
	}
}

func TestHTTP_Post(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/logs", r.URL.Path)
		assert.Equal(t, "1.0.0", r.URL.Query().Get("api-version"))
		assert.Equal(t, "app-secret", r.Header.Get("App-Secret"))
		assert.Equal(t, "6f9619ff-8b86-d011-b42d-00cf4fc964ff", r.Header.Get("Install-ID"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Content-Encoding"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.JSONEq(t, testPayload, string(body))

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewHTTP(Config{}, nil)

	err := sender.Post(context.Background(), newRequest(server.URL+"/"))
	assert.NoError(t, err)
}

func TestHTTP_PostCompressed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))

		zr, err := gzip.NewReader(r.Body)
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(zr)
		assert.NoError(t, err)
		assert.JSONEq(t, testPayload, string(body))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	sender := NewHTTP(Config{Compress: true}, nil)

	err := sender.Post(context.Background(), newRequest(server.URL))
	assert.NoError(t, err)
}

func TestHTTP_SendReportsThroughDone(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	result := make(chan error, 1)
	NewHTTP(Config{}, nil).Send(context.Background(), newRequest(server.URL), func(err error) {
		result <- err
	})

	// Send returned while the server is still holding the request
	select {
	case <-result:
		t.Fatal("outcome reported before the server answered")
	default:
	}
	close(release)

	select {
	case err := <-result:
		require.Error(t, err)
		assert.False(t, logging.IsFatal(err))
	case <-time.After(5 * time.Second):
		t.Fatal("done was never called")
	}
}

func TestHTTP_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		fatal      bool
		delay      time.Duration
	}{
		{name: "throttled", status: http.StatusTooManyRequests, retryAfter: "7", delay: 7 * time.Second},
		{name: "unavailable", status: http.StatusServiceUnavailable, retryAfter: "2", delay: 2 * time.Second},
		{name: "throttled without hint", status: http.StatusTooManyRequests},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "request timeout", status: http.StatusRequestTimeout},
		{name: "unauthorized", status: http.StatusUnauthorized, fatal: true},
		{name: "bad request", status: http.StatusBadRequest, fatal: true},
		{name: "not found", status: http.StatusNotFound, fatal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer server.Close()

			err := NewHTTP(Config{}, nil).Post(context.Background(), newRequest(server.URL))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "nope")
			assert.Equal(t, tt.fatal, logging.IsFatal(err))
			assert.Equal(t, tt.delay, logging.RetryDelay(err))
		})
	}
}

func TestHTTP_NetworkErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewHTTP(Config{Timeout: time.Second}, nil).Post(context.Background(), newRequest(url))
	require.Error(t, err)
	assert.False(t, logging.IsFatal(err))
}

func TestHTTP_MissingEndpointIsFatal(t *testing.T) {
	err := NewHTTP(Config{}, nil).Post(context.Background(), newRequest(""))
	assert.True(t, logging.IsFatal(err))
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("soon"))
	assert.Equal(t, time.Duration(0), retryAfter("-3"))
	assert.Equal(t, 30*time.Second, retryAfter("30"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	d := retryAfter(future)
	assert.Greater(t, d, 50*time.Second)
	assert.LessOrEqual(t, d, time.Minute)
}
