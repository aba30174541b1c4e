package connectors

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"golang.org/x/net/proxy"
)

// HTTPProber проверяет точку выхода запросом probeURL через нее.
type HTTPProber struct {
	probeURL string
	timeout  time.Duration
}

func NewHTTPProber(probeURL string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{probeURL: probeURL, timeout: timeout}
}

// Probe возвращает задержку ответа. Точка здорова, если ответ пришел со статусом < 400.
func (p *HTTPProber) Probe(ctx context.Context, ep domain.Endpoint) (time.Duration, error) {
	transport, err := transportFor(ep)
	if err != nil {
		return 0, err
	}
	defer transport.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", ep.ID(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode >= http.StatusBadRequest {
		return latency, fmt.Errorf("probe %s: status %d", ep.ID(), resp.StatusCode)
	}
	return latency, nil
}

func transportFor(ep domain.Endpoint) (*http.Transport, error) {
	hostPort := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	switch ep.Transport {
	case domain.TransportSOCKS5:
		var auth *proxy.Auth
		if ep.Username != "" {
			auth = &proxy.Auth{User: ep.Username, Password: ep.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", hostPort, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer %s: %w", hostPort, err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer %s does not support context", hostPort)
		}
		return &http.Transport{DialContext: cd.DialContext, DisableKeepAlives: true}, nil

	case domain.TransportHTTP, domain.TransportHTTPS, "":
		scheme := string(ep.Transport)
		if scheme == "" {
			scheme = string(domain.TransportHTTP)
		}
		u := &url.URL{Scheme: scheme, Host: hostPort}
		if ep.Username != "" {
			u.User = url.UserPassword(ep.Username, ep.Password)
		}
		return &http.Transport{Proxy: http.ProxyURL(u), DisableKeepAlives: true}, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", ep.Transport)
	}
}
