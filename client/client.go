// Package client talks to an artifact cache daemon over its datagram
// socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/artifact-cache/protocol"
)

var (
	// ErrTimeout is returned when no response arrives after all attempts.
	ErrTimeout = errors.New("client: no response from daemon")

	// ErrMiss is returned when the key has no entry.
	ErrMiss = errors.New("client: miss")
)

// StatusError is a non-Ok, non-Miss response.
type StatusError struct {
	Status  protocol.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon responded %s", e.Status)
	}
	return fmt.Sprintf("daemon responded %s: %s", e.Status, e.Message)
}

const (
	// DefaultTimeout is how long to wait for each attempt.
	DefaultTimeout = 2 * time.Second

	// DefaultRetries is how many times a request is retransmitted.
	DefaultRetries = 2
)

// Client sends requests to a daemon. Requests are serialized; use one
// Client per goroutine for parallelism.
type Client struct {
	conn      *net.UnixConn
	localPath string
	timeout   time.Duration
	retries   int
	logger    *slog.Logger

	mu  sync.Mutex
	buf []byte
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets how many times an unanswered request is retransmitted.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to the daemon socket at socketPath. The client binds its own
// socket file in the temp directory so the daemon can reply.
func Dial(socketPath string, opts ...Option) (*Client, error) {
	c := &Client{
		timeout: DefaultTimeout,
		retries: DefaultRetries,
		logger:  slog.Default(),
		buf:     make([]byte, protocol.MaxDatagramSize),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.localPath = filepath.Join(os.TempDir(), "artifact-cache-client-"+uuid.NewString()[:13]+".sock")
	laddr := &net.UnixAddr{Name: c.localPath, Net: "unixgram"}
	raddr := &net.UnixAddr{Name: socketPath, Net: "unixgram"}

	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		_ = os.Remove(c.localPath)
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	c.conn = conn
	return c, nil
}

// Close closes the socket and removes the client's socket file.
func (c *Client) Close() error {
	err := c.conn.Close()
	if rmErr := os.Remove(c.localPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Do sends a request and waits for its response, retransmitting on timeout.
// A request without an ID is given one so stale responses to earlier
// attempts can be discarded.
func (c *Client) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(req.ID) == 0 {
		id := uuid.New()
		req.ID = id[:]
	}
	datagram := protocol.EncodeRequest(req)
	if len(datagram) > protocol.MaxDatagramSize {
		return nil, &StatusError{Status: protocol.StatusTooLarge, Message: "request exceeds datagram limit"}
	}

	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			c.logger.Debug("retransmitting request", "op", req.Op, "attempt", attempt)
		}

		if _, err := c.conn.Write(datagram); err != nil {
			return nil, fmt.Errorf("sending request: %w", err)
		}

		resp, err := c.await(ctx, req.ID)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		return resp, err
	}
	return nil, ErrTimeout
}

// await reads until the response matching id arrives or the attempt times
// out.
func (c *Client) await(ctx context.Context, id []byte) (*protocol.Response, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	for {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("receiving response: %w", err)
		}

		resp, err := protocol.DecodeResponse(c.buf[:n])
		if err != nil {
			c.logger.Warn("discarding undecodable response", "error", err)
			continue
		}
		if string(resp.ID) != string(id) {
			c.logger.Debug("discarding response to an earlier request")
			continue
		}
		// Detach from the read buffer before returning.
		resp.Payload = cloneBytes(resp.Payload)
		resp.ID = cloneBytes(resp.ID)
		return resp, nil
	}
}

// Get returns the content stored under key.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, *protocol.Metadata, error) {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpGet, Key: key})
	if err != nil {
		return nil, nil, err
	}
	return resp.Payload, resp.Metadata, nil
}

// Put stores data under key.
func (c *Client) Put(ctx context.Context, key, data []byte) (*protocol.Metadata, error) {
	if data == nil {
		data = []byte{}
	}
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpPut, Key: key, Payload: data})
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// Stat returns the metadata for key without fetching content.
func (c *Client) Stat(ctx context.Context, key []byte) (*protocol.Metadata, error) {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpStat, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// Evict removes the entry for key. A retransmitted Evict whose first
// response was lost reports ErrMiss.
func (c *Client) Evict(ctx context.Context, key []byte) (*protocol.Metadata, error) {
	resp, err := c.call(ctx, &protocol.Request{Op: protocol.OpEvict, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Metadata, nil
}

// Ping checks that a daemon is answering on the socket.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, &protocol.Request{Op: protocol.OpPing})
	return err
}

func (c *Client) call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case protocol.StatusOk:
		return resp, nil
	case protocol.StatusMiss:
		return nil, ErrMiss
	default:
		return nil, &StatusError{Status: resp.Status, Message: resp.Message}
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
