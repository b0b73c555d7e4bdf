// Package activenode drives the local masternode through activation and
// keeps it pinging once it is listed. It has no timer of its own: the
// daemon calls ManageStatus on every tick.
package activenode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mnnet/internal/crypto"
	"mnnet/internal/debuglog"
	"mnnet/internal/masternode"
	"mnnet/internal/params"
	"mnnet/internal/proto"
	"mnnet/internal/registry"
	"mnnet/internal/wallet"
)

var (
	ErrTooEarly       = errors.New("too early to send masternode ping")
	ErrNotStarted     = errors.New("masternode is not in a running status")
	ErrSyncInProgress = errors.New("sync in progress, must wait until sync is complete to start masternode")
)

type Wallet interface {
	IsLocked() bool
	Balance() int64
	SelectCollateral(ref *proto.Outpoint) (wallet.Collateral, error)
	LockOutput(op proto.Outpoint)
}

type Chain interface {
	IsSynced() bool
	Confirmations(op proto.Outpoint) (int, bool)
	MinConfirmations() int
}

// Registry is the subset of *registry.Registry the state machine needs.
type Registry interface {
	GetByOperatorKey(pub []byte) (masternode.Masternode, bool)
	CheckMasternode(op proto.Outpoint) (masternode.State, bool)
	CheckMnbAndUpdateMasternodeList(peer string, b proto.Broadcast) (bool, int)
	IsMasternodePingedWithin(op proto.Outpoint, d time.Duration, at time.Time) (pinged, found bool)
	SetMasternodeLastPing(p proto.Ping) error
}

// Prober dials the declared endpoint to prove it accepts inbound peers.
type Prober interface {
	Probe(ctx context.Context, addr string) error
}

type Config struct {
	Network params.Network
	// ExternalAddr is host:port announced to the network. Empty means
	// DetectAddr is consulted.
	ExternalAddr string
	OperatorPriv []byte
	// Collateral pins a specific output; nil lets the wallet choose.
	Collateral      *proto.Outpoint
	ProtocolVersion uint32
}

type Options struct {
	Config     Config
	Wallet     Wallet
	Chain      Chain
	Registry   Registry
	Prober     Prober
	DetectAddr func() (string, bool)
	Now        func() time.Time
	Logger     *zerolog.Logger
}

type Node struct {
	cfg        Config
	opPub      []byte
	wallet     Wallet
	chain      Chain
	registry   Registry
	prober     Prober
	detectAddr func() (string, bool)
	now        func() time.Time
	log        zerolog.Logger

	// mu is never held across calls into the registry: admission can call
	// back into OnAnnounced.
	mu       sync.Mutex
	status   Status
	outpoint proto.Outpoint
	addr     string
}

func New(opts Options) (*Node, error) {
	opPub, err := crypto.PubFromPriv(opts.Config.OperatorPriv)
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}
	if opts.Wallet == nil || opts.Chain == nil || opts.Registry == nil {
		return nil, fmt.Errorf("activenode: wallet, chain and registry are required")
	}
	n := &Node{
		cfg:        opts.Config,
		opPub:      opPub,
		wallet:     opts.Wallet,
		chain:      opts.Chain,
		registry:   opts.Registry,
		prober:     opts.Prober,
		detectAddr: opts.DetectAddr,
		now:        opts.Now,
		status:     Initial{},
	}
	if n.cfg.Network == "" {
		n.cfg.Network = params.Main
	}
	if n.cfg.ProtocolVersion == 0 {
		n.cfg.ProtocolVersion = params.ProtocolVersion
	}
	if n.now == nil {
		n.now = time.Now
	}
	if opts.Logger != nil {
		n.log = *opts.Logger
	} else {
		n.log = debuglog.Component("activenode")
	}
	return n, nil
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// Outpoint is the collateral the node pings for. Zero until started.
func (n *Node) Outpoint() proto.Outpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.outpoint
}

func (n *Node) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

func (n *Node) OperatorPubKey() []byte {
	return append([]byte(nil), n.opPub...)
}

func (n *Node) setStatus(s Status) Status {
	n.mu.Lock()
	prev := n.status
	n.status = s
	n.mu.Unlock()
	if prev != s {
		ev := n.log.Info().Str("status", s.Name()).Str("msg", s.Message())
		if tooNew, ok := s.(InputTooNew); ok {
			ev = ev.Str("reason", tooNew.Reason())
		}
		ev.Msg("masternode status")
	}
	return s
}

func isStarted(s Status) bool {
	_, ok := s.(Started)
	return ok
}

// ManageStatus advances the state machine by one tick and returns the
// resulting status.
func (n *Node) ManageStatus(ctx context.Context) Status {
	if !params.Params(n.cfg.Network).SkipSyncGate && !n.chain.IsSynced() {
		return n.setStatus(SyncInProgress{})
	}
	if _, ok := n.Status().(SyncInProgress); ok {
		n.setStatus(Initial{})
	}
	if _, ok := n.Status().(Initial); ok {
		n.tryHotCold()
	}
	if !isStarted(n.Status()) {
		return n.setStatus(n.activate(ctx))
	}
	if err := n.SendPing(); err != nil {
		debuglog.Debugf("activenode: ping: %v", err)
	}
	return n.Status()
}

// tryHotCold starts pinging for an entry already announced under our
// operator key, typically by a cold wallet.
func (n *Node) tryHotCold() {
	mn, ok := n.registry.GetByOperatorKey(n.opPub)
	if !ok {
		return
	}
	state, ok := n.registry.CheckMasternode(mn.Outpoint)
	if !ok {
		return
	}
	if (state == masternode.StateEnabled || state == masternode.StatePreEnabled) && mn.ProtocolVersion == n.cfg.ProtocolVersion {
		n.EnableHotCold(mn.Outpoint, mn.Addr)
	}
}

func (n *Node) activate(ctx context.Context) Status {
	if n.wallet.IsLocked() {
		return NotCapable{Reason: reasonWalletLocked}
	}
	if n.wallet.Balance() == 0 {
		return NotCapable{Reason: reasonHotNode}
	}
	addr := n.cfg.ExternalAddr
	if addr == "" {
		detected, ok := "", false
		if n.detectAddr != nil {
			detected, ok = n.detectAddr()
		}
		if !ok {
			return NotCapable{Reason: reasonNoAddr}
		}
		addr = detected
	}
	if err := params.CheckEndpoint(n.cfg.Network, addr); err != nil {
		return NotCapable{Reason: err.Error()}
	}
	if n.prober != nil {
		n.log.Info().Str("addr", addr).Msg("checking inbound connection")
		if err := n.prober.Probe(ctx, addr); err != nil {
			n.log.Debug().Err(err).Str("addr", addr).Msg("probe failed")
			return NotCapable{Reason: "Could not connect to " + addr}
		}
	}
	coll, err := n.wallet.SelectCollateral(n.cfg.Collateral)
	if err != nil {
		n.log.Debug().Err(err).Msg("select collateral")
		return NotCapable{Reason: reasonNoCoins}
	}
	required := n.chain.MinConfirmations()
	if conf, _ := n.chain.Confirmations(coll.Outpoint); conf < required {
		return InputTooNew{Outpoint: coll.Outpoint, Confirmations: conf, Required: required}
	}

	n.wallet.LockOutput(coll.Outpoint)
	b, err := n.CreateBroadcast(addr, coll)
	if err != nil {
		return NotCapable{Reason: "Error on CreateBroadcast: " + err.Error()}
	}
	if ok, _ := n.registry.CheckMnbAndUpdateMasternodeList("", b); !ok {
		return NotCapable{Reason: "Error on CreateBroadcast: announcement for " + coll.Outpoint.String() + " refused by masternode list"}
	}
	n.mu.Lock()
	n.outpoint = coll.Outpoint
	n.addr = addr
	n.mu.Unlock()
	n.log.Info().Str("vin", coll.Outpoint.String()).Str("addr", addr).Msg("is capable master node")
	return Started{}
}

// SendPing signs and relays a fresh heartbeat. Losing our entry demotes
// the node to NotCapable so it re-activates from scratch.
func (n *Node) SendPing() error {
	n.mu.Lock()
	st, op := n.status, n.outpoint
	n.mu.Unlock()
	if !isStarted(st) {
		return ErrNotStarted
	}
	now := n.now()
	pinged, found := n.registry.IsMasternodePingedWithin(op, params.MinPingInterval, now)
	if !found {
		return n.lostEntry(op)
	}
	if pinged {
		return ErrTooEarly
	}
	p, err := masternode.NewPing(op, n.cfg.OperatorPriv, now)
	if err != nil {
		return fmt.Errorf("couldn't sign masternode ping: %w", err)
	}
	if err := n.registry.SetMasternodeLastPing(p); err != nil {
		if errors.Is(err, registry.ErrNotInRegistry) {
			return n.lostEntry(op)
		}
		return err
	}
	debuglog.Debugf("activenode: relayed ping vin=%s", op)
	return nil
}

func (n *Node) lostEntry(op proto.Outpoint) error {
	n.setStatus(NotCapable{Reason: reasonNotListed + " " + op.String()})
	return fmt.Errorf("%w: %s", registry.ErrNotInRegistry, op)
}

// CreateBroadcast signs an announcement for coll at addr with the
// configured operator key.
func (n *Node) CreateBroadcast(addr string, coll wallet.Collateral) (proto.Broadcast, error) {
	return masternode.NewBroadcast(masternode.BroadcastParams{
		Network:         n.cfg.Network,
		Outpoint:        coll.Outpoint,
		Addr:            addr,
		CollateralPriv:  coll.PrivKey,
		OperatorPriv:    n.cfg.OperatorPriv,
		ProtocolVersion: n.cfg.ProtocolVersion,
		Now:             n.now(),
	})
}

// CreateBroadcastFor builds a remote-activation announcement for an
// explicit collateral held by this wallet and a hot node's operator key.
func (n *Node) CreateBroadcastFor(endpoint, operatorKeyHex string, ref proto.Outpoint) (proto.Broadcast, error) {
	if !params.Params(n.cfg.Network).SkipSyncGate && !n.chain.IsSynced() {
		return proto.Broadcast{}, ErrSyncInProgress
	}
	opPriv, err := crypto.ParsePrivHex(operatorKeyHex)
	if err != nil {
		return proto.Broadcast{}, fmt.Errorf("can't find keys for masternode %s: %w", endpoint, err)
	}
	coll, err := n.wallet.SelectCollateral(&ref)
	if err != nil {
		return proto.Broadcast{}, fmt.Errorf("could not allocate vin %s for masternode %s: %w", ref, endpoint, err)
	}
	if err := params.CheckEndpoint(n.cfg.Network, endpoint); err != nil {
		return proto.Broadcast{}, fmt.Errorf("masternode %s: %w", endpoint, err)
	}
	return masternode.NewBroadcast(masternode.BroadcastParams{
		Network:         n.cfg.Network,
		Outpoint:        coll.Outpoint,
		Addr:            endpoint,
		CollateralPriv:  coll.PrivKey,
		OperatorPriv:    opPriv,
		ProtocolVersion: n.cfg.ProtocolVersion,
		Now:             n.now(),
	})
}

// EnableHotCold starts pinging for op without holding its collateral.
func (n *Node) EnableHotCold(op proto.Outpoint, addr string) {
	n.mu.Lock()
	n.outpoint = op
	n.addr = addr
	n.mu.Unlock()
	n.setStatus(Started{})
	n.log.Info().Str("vin", op.String()).Str("addr", addr).Msg("enabled, you may shut down the cold daemon")
}

// OnAnnounced is handed to the registry as its admission hook. An
// announcement carrying our operator key activates a hot node remotely.
func (n *Node) OnAnnounced(info masternode.Info) {
	if !bytes.Equal(info.PubKeyOperator, n.opPub) || info.ProtocolVersion != n.cfg.ProtocolVersion {
		return
	}
	n.mu.Lock()
	same := isStarted(n.status) && n.outpoint == info.Outpoint
	n.mu.Unlock()
	if same {
		return
	}
	n.EnableHotCold(info.Outpoint, info.Addr)
}
