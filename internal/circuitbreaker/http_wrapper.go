package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper guards an outbound HTTP client with a breaker. 5xx responses
// count as breaker failures but are still returned to the caller; 4xx never
// trip the breaker.
type HTTPWrapper struct {
	client  *http.Client
	breaker *Breaker
	name    string
	service string
}

func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	b := New(name, HTTPSettings(), logger)
	GlobalMetricsCollector.Register(name, service, b)
	return &HTTPWrapper{client: client, breaker: b, name: name, service: service}
}

func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := hw.breaker.Do(req.Context(), func() error {
		var err error
		resp, err = hw.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &serverStatusError{code: resp.StatusCode}
		}
		return nil
	})
	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.breaker.State(), err == nil)

	// the caller still gets the 5xx response body
	if _, ok := err.(*serverStatusError); ok {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type serverStatusError struct{ code int }

func (e *serverStatusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.code)
}
