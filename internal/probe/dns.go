package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/pingsantohq/healthagent/pkg/types"
)

const defaultDNSServer = "127.0.0.1:53"

// DNSProtocol resolves an A record for the address. The address is either a
// bare name, checked against the default server, or "name@server[:port]".
type DNSProtocol struct {
	server string
	client *dns.Client
}

func NewDNSProtocol(server string) *DNSProtocol {
	if strings.TrimSpace(server) == "" {
		server = defaultDNSServer
	}
	return &DNSProtocol{
		server: withDNSPort(server),
		client: &dns.Client{Net: "udp"},
	}
}

func (p *DNSProtocol) CheckHealth(ctx context.Context, address string) (types.HealthOutcome, error) {
	name, server := p.split(address)
	if name == "" {
		return types.HealthOutcome{}, fmt.Errorf("dns check: empty name in %q", address)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	in, rtt, err := p.client.ExchangeContext(ctx, msg, server)
	if err != nil {
		if ctx.Err() != nil {
			return types.HealthOutcome{}, ctx.Err()
		}
		return types.HealthOutcome{}, fmt.Errorf("dns check %s via %s: %w", name, server, err)
	}

	details := map[string]string{
		"rcode":   dns.RcodeToString[in.Rcode],
		"answers": strconv.Itoa(len(in.Answer)),
		"server":  server,
	}
	status := types.StatusHealthy
	switch in.Rcode {
	case dns.RcodeSuccess:
		if len(in.Answer) == 0 {
			status = types.StatusNotExists
		}
	case dns.RcodeNameError:
		status = types.StatusNotExists
	case dns.RcodeServerFailure, dns.RcodeRefused:
		status = types.StatusUnhealthy
	default:
		status = types.StatusFaulty
	}
	return types.HealthOutcome{Status: status, ResponseTime: rtt, Details: details}, nil
}

func (p *DNSProtocol) split(address string) (string, string) {
	address = strings.TrimSpace(address)
	if name, server, ok := strings.Cut(address, "@"); ok && server != "" {
		return name, withDNSPort(server)
	}
	return address, p.server
}

func withDNSPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, "53")
}
