package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	quic "github.com/quic-go/quic-go"

	"mnnet/internal/proto"
)

// Client sends framed envelopes over pooled QUIC connections.
type Client struct {
	pool *clientPool
}

func NewClient() *Client {
	return &Client{pool: newClientPool(clientConnIdle)}
}

// Send writes one frame on a fresh stream, retrying with backoff on dial
// or write failure.
func (c *Client) Send(ctx context.Context, addr string, data []byte) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	tlsConf := clientTLSConfig()
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		conn, err := c.pool.get(ctx, addr, tlsConf, quicConfig())
		if err != nil {
			lastErr = err
			if !backoffRetry(ctx, c.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			lastErr = err
			c.pool.drop(addr, conn, "open stream failed")
			if !backoffRetry(ctx, c.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		_ = stream.SetWriteDeadline(time.Now().Add(streamRWTimeout))
		if err := proto.WriteFrame(stream, data); err != nil {
			lastErr = err
			stream.CancelWrite(0)
			c.pool.drop(addr, conn, "write failed")
			if !backoffRetry(ctx, c.pool.recordFailure(addr)) {
				break
			}
			continue
		}
		// Close only ends our write side; the peer reads to EOF.
		_ = stream.Close()
		c.pool.resetFailures(addr)
		return nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("send failed")
	}
	return fmt.Errorf("send to %s: %w", addr, lastErr)
}

// Probe completes a handshake with addr on an unpooled connection.
func (c *Client) Probe(ctx context.Context, addr string) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return conn.CloseWithError(0, "probe")
}

func (c *Client) Close() {
	c.pool.closeAll()
}
