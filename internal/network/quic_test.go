package network

import (
	"context"
	"net"
	"testing"
	"time"

	"mnnet/internal/proto"
)

func TestQUICLoopbackSend(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a UDP socket")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan proto.Envelope, 4)
	srv := NewServer(ServerOptions{MaxConnsPerIP: 4, MaxStreamsPerIP: 16}, func(from string, env proto.Envelope) {
		got <- env
	})
	ready := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0", func(a net.Addr) { ready <- a }) }()

	var addr string
	select {
	case a := <-ready:
		addr = a.String()
	case err := <-errCh:
		t.Fatalf("listen: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("listener not ready")
	}

	client := NewClient()
	defer client.Close()
	if err := client.Probe(ctx, addr); err != nil {
		t.Fatalf("probe: %v", err)
	}
	data, err := proto.EncodeEnvelopeFrom(proto.CmdListRequest, "127.0.0.1:19999", proto.ListRequest{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := client.Send(ctx, addr, data); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case env := <-got:
		if env.Type != proto.CmdListRequest || env.From != "127.0.0.1:19999" {
			t.Fatalf("unexpected envelope %+v", env)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("frame not delivered")
	}
	if client.pool.size() != 1 {
		t.Fatalf("expected pooled connection, got %d", client.pool.size())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestProbeUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a UDP socket")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	client := NewClient()
	if err := client.Probe(ctx, "127.0.0.1:1"); err == nil {
		t.Fatalf("expected probe failure")
	}
}
