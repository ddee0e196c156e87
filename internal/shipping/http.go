package shipping

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	userAgent          = "americana-market-api/1.0"
	maxErrorBodyLength = 256
)

// RESTConfig configures the HTTP client used by remote providers.
type RESTConfig struct {
	BaseURL    string
	Token      string
	AuthScheme string
	Timeout    time.Duration
	HTTPClient *http.Client
}

func newRESTClient(cfg RESTConfig) *resty.Client {
	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("User-Agent", userAgent).
		SetHeader("Accept", "application/json")
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if token := strings.TrimSpace(cfg.Token); token != "" {
		scheme := cfg.AuthScheme
		if scheme == "" {
			scheme = "Bearer"
		}
		client.SetAuthScheme(scheme).SetAuthToken(token)
	}
	return client
}

// checkResponse turns a resty result into nil, a TransportError or an ErrProviderRejected error.
func checkResponse(provider, op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransportError{Provider: provider, Op: op, Err: err}
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests:
		return &TransportError{Provider: provider, Op: op, StatusCode: status}
	case status >= http.StatusBadRequest:
		body := resp.String()
		if len(body) > maxErrorBodyLength {
			body = body[:maxErrorBodyLength]
		}
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrProviderRejected, provider, op, status, body)
	}
	return nil
}

func joinLines(lines []string) string {
	parts := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, ", ")
}
