package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/Chichichkin/LogChannel/internal/logging"
)

const (
	logsPath   = "/logs"
	apiVersion = "1.0.0"

	headerAppSecret = "App-Secret"
	headerInstallID = "Install-ID"

	// responses larger than this are truncated in error messages
	maxErrorBody = 1024
)

type Config struct {
	Timeout time.Duration
	// Compress gzips request bodies.
	Compress bool
}

// HTTP posts serialized log containers to the ingestion endpoint and
// classifies the outcome for the channel.
type HTTP struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewHTTP(config Config, logger *zap.Logger) *HTTP {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

// Send posts r in the background and hands the classified outcome to done.
func (h *HTTP) Send(ctx context.Context, r logging.Request, done func(error)) {
	go func() {
		done(h.Post(ctx, r))
	}()
}

// Post delivers r and blocks until the endpoint answers.
func (h *HTTP) Post(ctx context.Context, r logging.Request) error {
	if r.EndpointURL == "" {
		return logging.NewFatalError(fmt.Errorf("no endpoint url configured"))
	}

	body, err := h.encodeBody(r.Payload)
	if err != nil {
		return logging.NewFatalError(fmt.Errorf("failed to compress payload: %w", err))
	}

	url := strings.TrimSuffix(r.EndpointURL, "/") + logsPath + "?api-version=" + apiVersion
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return logging.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAppSecret, r.AppSecret)
	req.Header.Set(headerInstallID, r.InstallID.String())
	if h.config.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return logging.NewRetryableError(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		h.logger.Debug("ingestion accepted batch",
			zap.Int("count", r.LogCount), zap.Int("status", resp.StatusCode))
		return nil
	}

	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("ingestion returned status %d: %s", resp.StatusCode, string(responseBody))
	return classify(resp, statusErr)
}

func (h *HTTP) encodeBody(payload []byte) ([]byte, error) {
	if !h.config.Compress {
		return payload, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func classify(resp *http.Response, err error) error {
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		return logging.NewThrottleError(err, retryAfter(resp.Header.Get("Retry-After")))
	case code >= 500, code == http.StatusRequestTimeout:
		return logging.NewRetryableError(err)
	default:
		return logging.NewFatalError(err)
	}
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
