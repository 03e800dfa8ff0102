package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pingsantohq/healthagent/pkg/types"
)

// TCPProtocol reports an endpoint healthy when a TCP connection to host:port
// can be established.
type TCPProtocol struct {
	dialer *net.Dialer
}

func NewTCPProtocol() *TCPProtocol {
	return &TCPProtocol{dialer: &net.Dialer{}}
}

func (p *TCPProtocol) CheckHealth(ctx context.Context, address string) (types.HealthOutcome, error) {
	start := time.Now()
	conn, err := p.dialer.DialContext(ctx, "tcp", address)
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
		return types.HealthOutcome{}, fmt.Errorf("tcp check %s: %w", address, err)
	}
	remote := conn.RemoteAddr().String()
	conn.Close()
	return types.HealthOutcome{
		Status:       types.StatusHealthy,
		ResponseTime: elapsed,
		Details:      map[string]string{"remote": remote},
	}, nil
}
