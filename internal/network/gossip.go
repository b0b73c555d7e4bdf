package network

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mnnet/internal/debuglog"
	"mnnet/internal/metrics"
	"mnnet/internal/peer"
	"mnnet/internal/proto"
)

const (
	DefaultFanout = 8
	sendTimeout   = 5 * time.Second
)

// Sender delivers one encoded envelope to a peer.
type Sender interface {
	Send(ctx context.Context, addr string, data []byte) error
}

// Processor consumes inbound commands.
type Processor interface {
	ProcessMessage(peer, cmd string, payload []byte) error
}

type GossipOptions struct {
	// Self is our announced listen address, carried in every envelope.
	Self    string
	Fanout  int
	Peers   *peer.Store
	Sender  Sender
	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
}

// Gossip fans registry messages out to the address book. Sends never
// block the caller.
type Gossip struct {
	self    string
	fanout  int
	peers   *peer.Store
	sender  Sender
	metrics *metrics.Metrics
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func NewGossip(opts GossipOptions) (*Gossip, error) {
	if opts.Peers == nil || opts.Sender == nil {
		return nil, errors.New("gossip: peers and sender required")
	}
	g := &Gossip{
		self:    opts.Self,
		fanout:  opts.Fanout,
		peers:   opts.Peers,
		sender:  opts.Sender,
		metrics: opts.Metrics,
	}
	if g.fanout <= 0 {
		g.fanout = DefaultFanout
	}
	if g.metrics == nil {
		g.metrics = metrics.New()
	}
	if opts.Logger != nil {
		g.log = *opts.Logger
	} else {
		g.log = debuglog.Component("gossip")
	}
	return g, nil
}

// Relay sends to up to Fanout random known peers other than except.
func (g *Gossip) Relay(cmd string, payload any, except string) {
	data, err := g.encode(cmd, payload)
	if err != nil {
		g.log.Warn().Err(err).Str("cmd", cmd).Msg("relay encode")
		return
	}
	targets := g.targets(except)
	for _, addr := range targets {
		g.sendAsync(addr, cmd, data)
	}
	debuglog.Debugf("gossip: relay %s to %d peers", cmd, len(targets))
}

func (g *Gossip) Push(addr, cmd string, payload any) error {
	if addr == "" {
		return errors.New("push: empty peer")
	}
	if g.peers.IsBanned(addr) {
		return peer.ErrAddrBanned
	}
	data, err := g.encode(cmd, payload)
	if err != nil {
		return err
	}
	g.sendAsync(addr, cmd, data)
	return nil
}

func (g *Gossip) Misbehaving(addr string, score int, reason string) {
	banned := g.peers.Misbehaving(addr, score)
	ev := g.log.Info()
	if banned {
		ev = g.log.Warn()
	}
	ev.Str("peer", addr).Int("score", score).Int("total", g.peers.Score(addr)).Bool("banned", banned).Str("reason", reason).Msg("peer misbehaving")
}

// Wait blocks until in-flight sends finish.
func (g *Gossip) Wait() {
	g.wg.Wait()
}

// Handler adapts proc to the server: banned senders are dropped and every
// other sender is remembered as a gossip peer.
func (g *Gossip) Handler(proc Processor) Handler {
	return func(from string, env proto.Envelope) {
		if g.peers.IsBanned(from) {
			g.metrics.IncDropByReason("banned")
			return
		}
		if err := g.peers.Upsert(from, false); err != nil {
			debuglog.Debugf("gossip: peer %s not recorded: %v", from, err)
		}
		if err := proc.ProcessMessage(from, env.Type, env.Payload); err != nil {
			debuglog.RateLimitedf("process:"+from, time.Minute, "gossip: %s from %s: %v", env.Type, from, err)
		}
	}
}

func (g *Gossip) encode(cmd string, payload any) ([]byte, error) {
	return proto.EncodeEnvelopeFrom(cmd, g.self, payload)
}

func (g *Gossip) targets(except string) []string {
	known := g.peers.List()
	out := make([]string, 0, len(known))
	for _, p := range known {
		if p.Addr == except || p.Addr == g.self || g.peers.IsBanned(p.Addr) {
			continue
		}
		out = append(out, p.Addr)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > g.fanout {
		out = out[:g.fanout]
	}
	return out
}

func (g *Gossip) sendAsync(addr, cmd string, data []byte) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := g.sender.Send(ctx, addr, data); err != nil {
			g.peers.MarkFailed(addr)
			g.metrics.IncDropByReason("send_failed")
			debuglog.RateLimitedf("send:"+addr, time.Minute, "gossip: send %s to %s: %v", cmd, addr, err)
		}
	}()
}
