package network

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"math/big"
	"net"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	quic "github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"mnnet/internal/crypto"
	"mnnet/internal/debuglog"
	"mnnet/internal/metrics"
	"mnnet/internal/proto"
)

const (
	alpn                 = "mnnet-quic"
	maxIdleTimeout       = 60 * time.Second
	keepAlivePeriod      = 15 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// devTLSCert is a fixed self-signed certificate. Peer authenticity comes
// from message signatures, TLS only provides the QUIC channel.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("mnnet-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}, nil
}

// clientTLSConfig skips name verification: peers are dialed by IP and the
// certificate is shared by every node.
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       maxIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		HandshakeIdleTimeout: handshakeIdleTimeout,
	}
}

// Handler receives one decoded envelope. peer is the sender's listen
// address when it announced one from the same host, else the remote addr.
type Handler func(peer string, env proto.Envelope)

type ServerOptions struct {
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	// MsgRate and MsgBurst bound inbound messages per peer; zero disables.
	MsgRate  float64
	MsgBurst int
	// DedupeSize and DedupeTTL size the cache of recently seen mnb/mnp frames.
	DedupeSize int
	DedupeTTL  time.Duration
	Metrics    *metrics.Metrics
	Logger     *zerolog.Logger
}

type Server struct {
	handle  Handler
	limiter *ipLimiter
	rates   *peerRates
	seen    *expirable.LRU[[32]byte, struct{}]
	metrics *metrics.Metrics
	log     zerolog.Logger
	conns   atomic.Int64
	streams atomic.Int64
}

func NewServer(opts ServerOptions, handle Handler) *Server {
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 8192
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	s := &Server{
		handle:  handle,
		limiter: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		rates:   newPeerRates(opts.MsgRate, opts.MsgBurst, 0),
		seen:    expirable.NewLRU[[32]byte, struct{}](opts.DedupeSize, nil, opts.DedupeTTL),
		metrics: opts.Metrics,
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if opts.Logger != nil {
		s.log = *opts.Logger
	} else {
		s.log = debuglog.Component("network")
	}
	return s
}

// ListenAndServe accepts connections until ctx is cancelled. ready, when
// set, receives the bound address.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		s.log.Error().Err(err).Str("addr", addr).Msg("quic listen")
		return err
	}
	defer listener.Close()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("quic listen ready")
	if ready != nil {
		ready(listener.Addr())
	}
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	go s.sweepLoop(ctx)
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("quic accept")
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.rates.sweep(now)
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	ip := hostOf(remote)
	if !s.limiter.acquireConn(ip) {
		s.metrics.IncDropByReason("conn_limit")
		_ = conn.CloseWithError(0, "too many connections")
		return
	}
	defer s.limiter.releaseConn(ip)
	s.metrics.SetCurrentConns(int(s.conns.Add(1)))
	defer func() { s.metrics.SetCurrentConns(int(s.conns.Add(-1))) }()
	debuglog.Debugf("network: accepted connection from %s", remote)
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			debuglog.Debugf("network: accept stream from %s: %v", remote, err)
			return
		}
		if !s.limiter.acquireStream(ip) {
			s.metrics.IncDropByReason("stream_limit")
			stream.CancelRead(0)
			_ = stream.Close()
			continue
		}
		go func(st *quic.Stream) {
			defer s.limiter.releaseStream(ip)
			s.metrics.SetCurrentStreams(int(s.streams.Add(1)))
			defer func() { s.metrics.SetCurrentStreams(int(s.streams.Add(-1))) }()
			defer st.Close()
			s.serveStream(st, remote)
		}(stream)
	}
}

// serveStream reads frames until the writer closes its side.
func (s *Server) serveStream(st io.Reader, remote string) {
	for {
		if d, ok := st.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(streamRWTimeout))
		}
		data, err := proto.ReadFrameWithTypeCap(st, proto.SoftMaxFrameSize, proto.TypeCap)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				debuglog.Debugf("network: read frame from %s: %v", remote, err)
				s.metrics.IncDropByReason("bad_frame")
			}
			return
		}
		s.deliver(data, remote)
	}
}

func (s *Server) deliver(data []byte, remote string) {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		s.metrics.IncDropByReason("bad_envelope")
		debuglog.RateLimitedf("bad_envelope:"+hostOf(remote), time.Minute, "network: bad envelope from %s: %v", remote, err)
		return
	}
	peer := resolvePeer(remote, env.From)
	if !s.rates.allow(peer, time.Now()) {
		s.metrics.IncDropByReason("rate")
		debuglog.RateLimitedf("rate:"+peer, time.Minute, "network: rate limited %s", peer)
		return
	}
	if env.Type == proto.CmdBroadcast || env.Type == proto.CmdPing {
		key := crypto.Sum256(env.Payload)
		if _, dup := s.seen.Get(key); dup {
			s.metrics.IncDropByReason("duplicate")
			return
		}
		s.seen.Add(key, struct{}{})
	}
	s.handle(peer, env)
}

// resolvePeer trusts an announced listen address only when it shares the
// connection's host.
func resolvePeer(remote, from string) string {
	if from != "" && hostOf(from) != "" && hostOf(from) == hostOf(remote) {
		return from
	}
	return remote
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}
