// Package sfu talks to the media-plane SFU. The signaling tier never touches
// media; it only fetches RTP capabilities over the SFU's HTTP surface and
// probes its health for readiness checks.
package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	httpTimeout     = 5 * time.Second
	healthTimeout   = 3 * time.Second
	maxResponseSize = 1 << 20
)

// Client is a circuit-broken HTTP client for the SFU, with an optional gRPC
// health endpoint. The breaker opens after three consecutive failures and
// retries after fifteen seconds.
type Client struct {
	baseURL  string
	grpcAddr string
	httpc    *http.Client
	cb       *gobreaker.CircuitBreaker
}

// NewClient builds a client for the SFU at baseURL. grpcAddr is the SFU's
// gRPC health endpoint; empty means health probes fall back to a TCP dial
// against the HTTP host.
func NewClient(baseURL, grpcAddr string) *Client {
	settings := gobreaker.Settings{
		Name:        "sfu",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL:  baseURL,
		grpcAddr: grpcAddr,
		httpc:    &http.Client{Timeout: httpTimeout},
		cb:       gobreaker.NewCircuitBreaker(settings),
	}
}

// RtpCapabilities fetches the SFU's RTP capabilities for a room, returned as
// raw JSON for pass-through to clients.
func (c *Client) RtpCapabilities(ctx context.Context, roomID string) (json.RawMessage, error) {
	out, err := c.cb.Execute(func() (any, error) {
		endpoint := fmt.Sprintf("%s/rooms/%s/rtp-capabilities", c.baseURL, url.PathEscape(roomID))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("sfu returned %d for room %s", resp.StatusCode, roomID)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, err
		}
		return json.RawMessage(body), nil
	})
	if err != nil {
		return nil, err
	}
	return out.(json.RawMessage), nil
}

// HealthCheck probes the SFU. With a gRPC address configured it uses the
// standard health protocol; otherwise it settles for a TCP dial against the
// HTTP host, which proves reachability but not serving state.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	if c.grpcAddr != "" {
		return c.grpcHealthCheck(ctx)
	}
	return c.tcpHealthCheck(ctx)
}

func (c *Client) grpcHealthCheck(ctx context.Context) error {
	conn, err := grpc.NewClient(c.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("sfu grpc dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("sfu health rpc: %w", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("sfu not serving: %s", resp.Status)
	}
	return nil
}

func (c *Client) tcpHealthCheck(ctx context.Context) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("sfu base url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("sfu unreachable: %w", err)
	}
	return conn.Close()
}
