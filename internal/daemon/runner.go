package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mnnet/internal/activenode"
	"mnnet/internal/chain"
	"mnnet/internal/config"
	"mnnet/internal/crypto"
	"mnnet/internal/debuglog"
	"mnnet/internal/masternode"
	"mnnet/internal/metrics"
	"mnnet/internal/network"
	"mnnet/internal/peer"
	"mnnet/internal/proto"
	"mnnet/internal/registry"
	"mnnet/internal/store"
	"mnnet/internal/wallet"
)

type Options struct {
	Config config.Config
	// OperatorPriv overrides Config.OperatorKeyFile.
	OperatorPriv []byte
	// Passphrase unlocks the wallet; empty falls back to
	// MNNET_WALLET_PASSPHRASE and otherwise leaves it locked.
	Passphrase string
	Sender     network.Sender
	Prober     activenode.Prober
	Metrics    *metrics.Metrics
	Now        func() time.Time
	Logger     *zerolog.Logger
}

// Runner owns the registry instance and every collaborator around it. Run
// serves the network; Tick drives the periodic work and is safe to call
// directly.
type Runner struct {
	Config   config.Config
	Registry *registry.Registry
	Chain    *chain.View
	Wallet   *wallet.Wallet
	Node     *activenode.Node
	Peers    *peer.Store
	Gossip   *network.Gossip
	Server   *network.Server
	Metrics  *metrics.Metrics

	client *network.Client
	now    func() time.Time
	log    zerolog.Logger

	listenMu   sync.RWMutex
	listenAddr string

	tickMu    sync.Mutex
	lastCheck time.Time
	lastDump  time.Time
	lastDseg  time.Time
}

func NewRunner(opts Options) (*Runner, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Home == "" {
		return nil, fmt.Errorf("missing home")
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	r := &Runner{
		Config:  cfg,
		Metrics: opts.Metrics,
		now:     opts.Now,
	}
	if r.Metrics == nil {
		r.Metrics = metrics.New()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	} else {
		r.log = debuglog.Component("daemon")
	}
	r.log = r.log.With().Str("instance", r.Metrics.Instance()).Logger()
	netID := cfg.NetworkID()

	peers, err := peer.NewStore(cfg.PeersPath(), peer.Options{Cap: cfg.Gossip.PeerCap, Now: r.now})
	if err != nil {
		return nil, fmt.Errorf("peer store: %w", err)
	}
	r.Peers = peers
	for _, addr := range cfg.Bootstrap {
		if err := peers.Upsert(addr, false); err != nil {
			r.log.Warn().Err(err).Str("peer", addr).Msg("bootstrap peer skipped")
		}
	}

	sender := opts.Sender
	if sender == nil {
		r.client = network.NewClient()
		sender = r.client
	}
	r.Gossip, err = network.NewGossip(network.GossipOptions{
		Self:    cfg.ExternalAddr,
		Fanout:  cfg.Gossip.Fanout,
		Peers:   peers,
		Sender:  sender,
		Metrics: r.Metrics,
	})
	if err != nil {
		return nil, err
	}

	r.Chain = chain.New(netID)
	regOpts := registry.Options{
		Network:    netID,
		Chain:      r.Chain,
		Transport:  r.Gossip,
		Now:        r.now,
		Metrics:    r.Metrics,
		OnAccepted: r.onAccepted,
	}
	// Without a feed there are no known outputs to check against.
	if cfg.ChainFeed != "" {
		regOpts.Collateral = r.Chain
	}
	r.Registry = registry.New(regOpts)
	r.Chain.OnSpend(func(op proto.Outpoint) {
		if r.Registry.Remove(op) {
			r.log.Info().Str("vin", op.String()).Msg("collateral spent, entry removed")
		}
	})
	r.Chain.OnPayment(func(p chain.Payment) {
		r.Registry.UpdateLastPaid(registry.Payment{Height: p.Height, Time: p.Time, Payee: p.Payee})
	})

	r.Server = network.NewServer(network.ServerOptions{
		MaxConnsPerIP:   cfg.Gossip.MaxConnsPerIP,
		MaxStreamsPerIP: cfg.Gossip.MaxStreamsPerIP,
		MsgRate:         cfg.Gossip.MsgRate,
		MsgBurst:        cfg.Gossip.MsgBurst,
		Metrics:         r.Metrics,
	}, r.Gossip.Handler(r.Registry))

	if cfg.Masternode {
		if err := r.initMasternode(opts); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) initMasternode(opts Options) error {
	cfg := r.Config
	opPriv := opts.OperatorPriv
	if len(opPriv) == 0 {
		raw, err := os.ReadFile(cfg.OperatorKeyFile)
		if err != nil {
			return fmt.Errorf("operator key: %w", err)
		}
		opPriv, err = crypto.ParsePrivHex(string(raw))
		if err != nil {
			return fmt.Errorf("operator key: %w", err)
		}
	}
	w, err := wallet.Open(cfg.WalletPath())
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	pass := opts.Passphrase
	if pass == "" {
		pass = os.Getenv("MNNET_WALLET_PASSPHRASE")
	}
	if pass != "" {
		if err := w.Unlock(pass); err != nil {
			return fmt.Errorf("wallet: %w", err)
		}
	}
	r.Wallet = w

	var ref *proto.Outpoint
	if cfg.Collateral != "" {
		op, err := proto.ParseOutpoint(cfg.Collateral)
		if err != nil {
			return err
		}
		ref = &op
	}
	prober := opts.Prober
	if prober == nil && r.client != nil {
		prober = r.client
	}
	r.Node, err = activenode.New(activenode.Options{
		Config: activenode.Config{
			Network:      cfg.NetworkID(),
			ExternalAddr: cfg.ExternalAddr,
			OperatorPriv: opPriv,
			Collateral:   ref,
		},
		Wallet:     w,
		Chain:      r.Chain,
		Registry:   r.Registry,
		Prober:     prober,
		DetectAddr: r.detectAddr,
		Now:        r.now,
	})
	if err != nil {
		return err
	}
	debuglog.Logf("daemon: masternode mode operator=%x", r.Node.OperatorPubKey())
	return nil
}

// onAccepted lets the active node pick up an announcement made for it by
// a cold wallet.
func (r *Runner) onAccepted(info masternode.Info) {
	if r.Node != nil {
		r.Node.OnAnnounced(info)
	}
}

// detectAddr offers the bound listen address when it is publicly routable.
func (r *Runner) detectAddr() (string, bool) {
	addr := r.ListenAddr()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", false
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
		return "", false
	}
	return addr, true
}

func (r *Runner) ListenAddr() string {
	r.listenMu.RLock()
	defer r.listenMu.RUnlock()
	return r.listenAddr
}

func (r *Runner) setListenAddr(addr string) {
	r.listenMu.Lock()
	r.listenAddr = addr
	r.listenMu.Unlock()
}

// LoadState restores the registry snapshot and replays the chain feed.
// A snapshot from another version leaves the registry empty.
func (r *Runner) LoadState() error {
	data, ok, err := store.ReadFile(r.Config.RegistryPath())
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}
	if ok {
		if reset := r.Registry.Restore(data); reset {
			r.log.Warn().Str("path", r.Config.RegistryPath()).Msg("registry snapshot unreadable or outdated, starting empty")
		} else {
			r.log.Info().Int("entries", r.Registry.Size()).Msg("registry loaded")
		}
	}
	r.syncChain()
	return nil
}

// DumpState writes the registry snapshot atomically.
func (r *Runner) DumpState() error {
	data, err := r.Registry.Snapshot()
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(r.Config.RegistryPath(), data, 0600); err != nil {
		return err
	}
	debuglog.Debugf("daemon: registry dumped entries=%d", r.Registry.Size())
	return nil
}

func (r *Runner) syncChain() {
	if r.Config.ChainFeed == "" {
		return
	}
	n, err := r.Chain.SyncFromFeed(r.Config.ChainFeed)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			debuglog.RateLimitedf("chain_feed", time.Minute, "daemon: chain feed: %v", err)
		}
		return
	}
	if n > 0 {
		r.log.Debug().Int("blocks", n).Int64("tip", r.Chain.Height()).Msg("chain feed applied")
	}
}

// Tick runs one round of periodic work at the runner's clock.
func (r *Runner) Tick(ctx context.Context) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	now := r.now()
	r.syncChain()
	if now.Sub(r.lastCheck) >= r.Config.Intervals.Check {
		r.lastCheck = now
		if n := r.Registry.CheckAndRemove(false); n > 0 {
			r.log.Info().Int("removed", n).Int("entries", r.Registry.Size()).Msg("registry cleanup")
		}
		if r.Node != nil {
			r.Node.ManageStatus(ctx)
		}
		if r.Config.Gossip.PeerCap > 0 {
			r.Peers.EvictToMax(r.Config.Gossip.PeerCap, 0)
		}
	}
	if now.Sub(r.lastDseg) >= dsegEvery(r.Registry.Size()) {
		r.lastDseg = now
		r.askForList()
	}
	if now.Sub(r.lastDump) >= r.Config.Intervals.Dump {
		r.lastDump = now
		if err := r.DumpState(); err != nil {
			r.log.Warn().Err(err).Msg("registry dump")
		}
	}
	r.Metrics.SetEntries(r.Registry.Size())
	if r.Config.MetricsPath != "" {
		if err := r.Metrics.WriteSnapshot(r.Config.MetricsPath); err != nil {
			debuglog.RateLimitedf("metrics_write", time.Minute, "daemon: metrics snapshot: %v", err)
		}
	}
}

// dsegEvery retries quickly while the list is empty.
func dsegEvery(size int) time.Duration {
	if size == 0 {
		return time.Minute
	}
	return time.Hour
}

// askForList requests the full list from the bootstrap peers, or from any
// known peer when none are configured.
func (r *Runner) askForList() {
	targets := r.Config.Bootstrap
	if len(targets) == 0 {
		for _, p := range r.Peers.List() {
			targets = append(targets, p.Addr)
			if len(targets) >= 3 {
				break
			}
		}
	}
	for _, addr := range targets {
		if strings.TrimSpace(addr) == "" || addr == r.Config.ExternalAddr {
			continue
		}
		r.Registry.DsegUpdate(addr)
	}
}

// Run loads state, serves the network and ticks until ctx is cancelled.
// ready, when set, receives the bound address.
func (r *Runner) Run(ctx context.Context, ready chan<- string) error {
	if err := r.LoadState(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	internalReady := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Server.ListenAndServe(ctx, r.Config.Listen, func(a net.Addr) { internalReady <- a.String() })
	}()
	select {
	case actual := <-internalReady:
		r.setListenAddr(actual)
		r.log.Info().Str("addr", actual).Str("network", string(r.Config.NetworkID())).Bool("masternode", r.Node != nil).Msg("node running")
		if ready != nil {
			select {
			case ready <- actual:
			default:
			}
		}
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	ticker := time.NewTicker(r.Config.Intervals.Tick)
	defer ticker.Stop()
	r.Tick(ctx)
	for {
		select {
		case <-ticker.C:
			r.Tick(ctx)
		case err := <-errCh:
			r.shutdown()
			return err
		case <-ctx.Done():
			cancel()
			err := <-errCh
			r.shutdown()
			return err
		}
	}
}

func (r *Runner) shutdown() {
	if err := r.DumpState(); err != nil {
		r.log.Warn().Err(err).Msg("registry dump on shutdown")
	}
	r.Gossip.Wait()
	if r.client != nil {
		r.client.Close()
	}
	r.log.Info().Msg("node stopped")
}
