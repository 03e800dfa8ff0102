package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pingsantohq/healthagent/pkg/types"
)

const userAgent = "healthagent/0.1.0"

// HTTPProtocol issues a GET against the address and maps the status code.
type HTTPProtocol struct {
	client *http.Client
}

// NewHTTPProtocol builds the protocol. Redirects are not followed and the
// timeout comes from the check context, not the client.
func NewHTTPProtocol(client *http.Client) *HTTPProtocol {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPProtocol{client: client}
}

func (p *HTTPProtocol) CheckHealth(ctx context.Context, address string) (types.HealthOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return types.HealthOutcome{}, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return types.HealthOutcome{}, ctx.Err()
		}
		if status, ok := classifyDialError(err); ok {
			return types.HealthOutcome{
				Status:       status,
				ResponseTime: elapsed,
				Details:      map[string]string{"message": err.Error()},
			}, nil
		}
		return types.HealthOutcome{}, fmt.Errorf("http check %s: %w", address, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return types.HealthOutcome{
		Status:       statusForCode(resp.StatusCode),
		ResponseTime: elapsed,
		Details: map[string]string{
			"code": strconv.Itoa(resp.StatusCode),
		},
	}, nil
}

func statusForCode(code int) types.HealthStatus {
	switch {
	case code >= 200 && code < 400:
		return types.StatusHealthy
	case code == http.StatusNotFound || code == http.StatusGone:
		return types.StatusNotExists
	case code == http.StatusServiceUnavailable || code == http.StatusBadGateway:
		return types.StatusOffline
	case code >= 500:
		return types.StatusUnhealthy
	default:
		return types.StatusFaulty
	}
}
