// Package client is the sandbox-side library for talking to a credgate
// proxy. It dials the unix socket named by CREDGATE_SOCKET, performs the
// version handshake once, and exposes the proxy's operations as typed
// calls. Connection loss is a hard error: the endpoint is created fresh
// for each sandbox lifetime, so there is nothing to reconnect to.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"

	"github.com/majorcontext/credgate/internal/wire"
)

// ErrNoEndpoint is returned when no socket path is configured.
var ErrNoEndpoint = errors.New("no proxy endpoint configured (set CREDGATE_SOCKET)")

// ErrConnectionLost is returned for every call after the connection to
// the proxy breaks.
var ErrConnectionLost = errors.New("proxy connection lost")

// Options configures a Client. Populated from the environment the
// launcher injects.
type Options struct {
	// SocketPath is the proxy endpoint.
	SocketPath string `env:"CREDGATE_SOCKET"`

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration `env:"CREDGATE_DIAL_TIMEOUT" envDefault:"5s"`
}

// OptionsFromEnv reads Options from the process environment.
func OptionsFromEnv() (Options, error) {
	var opts Options
	if err := env.Parse(&opts); err != nil {
		return Options{}, fmt.Errorf("parsing client environment: %w", err)
	}
	return opts, nil
}

// Client is one connection to a proxy. Calls are serialized; the protocol
// is strict request/response on a single connection.
type Client struct {
	opts Options

	mu     sync.Mutex
	conn   net.Conn
	broken error
}

// New creates a client. No connection is made until the first call.
func New(opts Options) *Client {
	return &Client{opts: opts}
}

// NewFromEnv creates a client configured from the environment.
func NewFromEnv() (*Client, error) {
	opts, err := OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	return New(opts), nil
}

// ensure dials and performs the handshake if needed. Caller holds c.mu.
func (c *Client) ensure(ctx context.Context) error {
	if c.broken != nil {
		return c.broken
	}
	if c.conn != nil {
		return nil
	}
	if c.opts.SocketPath == "" {
		return ErrNoEndpoint
	}

	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("dialing proxy: %w", err)
	}

	if err := wire.WriteMessage(conn, wire.Hello{MinVersion: wire.Version, MaxVersion: wire.Version}); err != nil {
		conn.Close()
		return fmt.Errorf("sending hello: %w", err)
	}
	var reply wire.HelloReply
	if err := wire.ReadMessage(conn, &reply); err != nil {
		conn.Close()
		return fmt.Errorf("reading hello reply: %w", err)
	}
	if reply.Error != nil {
		conn.Close()
		return reply.Error
	}
	if reply.Version != wire.Version {
		conn.Close()
		return fmt.Errorf("proxy negotiated unknown version %d", reply.Version)
	}

	c.conn = conn
	return nil
}

// fail marks the connection dead and returns the sticky error.
func (c *Client) fail(err error) error {
	c.broken = fmt.Errorf("%w: %v", ErrConnectionLost, err)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return c.broken
}

// call runs one request/response exchange. out may be nil for operations
// with no response data. A typed proxy error comes back as *wire.Error;
// transport failures poison the client.
func (c *Client) call(ctx context.Context, op wire.Op, payload, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensure(ctx); err != nil {
		return err
	}

	req := wire.Request{ID: uuid.NewString(), Op: op}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		req.Payload = raw
	}

	// A context firing mid-exchange closes the connection: an abandoned
	// response would desynchronize the strict request/response sequence,
	// so the connection cannot be reused anyway.
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	if err := wire.WriteMessage(c.conn, req); err != nil {
		return c.fail(err)
	}
	var resp wire.Response
	if err := wire.ReadMessage(c.conn, &resp); err != nil {
		return c.fail(err)
	}
	if resp.ID != req.ID {
		return c.fail(fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID))
	}
	if !resp.OK {
		if resp.Error == nil {
			return c.fail(errors.New("failed response without error"))
		}
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Close tears the connection down. Further calls fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken == nil {
		c.broken = ErrConnectionLost
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// ErrorCode extracts the proxy error code from err, or "" when err is not
// a typed proxy error.
func ErrorCode(err error) wire.Code {
	var werr *wire.Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return ""
}
