package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixgeelhaar/llmgate/internal/errors"
)

const (
	// chunkBuffer bounds how far a producer may run ahead of the session
	chunkBuffer = 10

	maxErrorBody = 4 << 10
	maxSSELine   = 1 << 20
)

// NewHTTPClient returns the client shared by adapters. There is no overall
// timeout since streams are long lived; idle detection happens upstream.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// do sends req and maps transport failures and non-2xx statuses to
// classified errors. On success the caller owns resp.Body.
func do(ctx context.Context, client *http.Client, providerID string, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewProviderNetworkError(providerID, fmt.Errorf("send request: %w", err))
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, ClassifyStatus(providerID, resp.StatusCode, resp.Header.Get("Retry-After"), strings.TrimSpace(string(body)))
}

// ClassifyStatus maps an HTTP error status to the error taxonomy.
func ClassifyStatus(providerID string, status int, retryAfter, body string) error {
	cause := fmt.Errorf("http error %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewProviderAuthError(providerID, cause)
	case status == http.StatusTooManyRequests:
		rl := errors.NewProviderRateLimitError(providerID, retryAfter)
		rl.Cause = cause
		return rl
	case status == http.StatusRequestTimeout || status >= 500:
		return errors.NewProviderNetworkError(providerID, cause)
	default:
		return errors.NewProviderMalformedError(providerID, cause)
	}
}

// streamError classifies an error hit while reading an open stream.
func streamError(ctx context.Context, providerID string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.NewProviderNetworkError(providerID, fmt.Errorf("read stream: %w", err))
}

// emit delivers chunk unless ctx is cancelled first.
func emit(ctx context.Context, ch chan<- StreamChunk, chunk StreamChunk) bool {
	if chunk.Timestamp.IsZero() {
		chunk.Timestamp = time.Now()
	}
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// scanSSE reads server-sent events from r, calling fn with the event name
// (empty when absent) and the data payload of each "data:" line. Scanning
// stops when fn returns false.
func scanSSE(r io.Reader, fn func(event, data string) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxSSELine)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if !fn(event, data) {
				return nil
			}
		}
	}
	return scanner.Err()
}
