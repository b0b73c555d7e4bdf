package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mnnet/internal/activenode"
	"mnnet/internal/chain"
	"mnnet/internal/config"
	"mnnet/internal/crypto"
	"mnnet/internal/masternode"
	"mnnet/internal/params"
	"mnnet/internal/proto"
	"mnnet/internal/store"
	"mnnet/internal/testutil"
	"mnnet/internal/wallet"
)

var testStart = time.Unix(1_700_000_000, 0)

const (
	testAddr  = "203.0.113.5:19994"
	bootPeer  = "198.51.100.7:19994"
	testPass  = "correct horse"
	feedName  = "blocks.jsonl"
	tickEvery = time.Second
)

type captureSender struct {
	mu   sync.Mutex
	cmds map[string][]string
}

func (c *captureSender) Send(_ context.Context, addr string, data []byte) error {
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmds == nil {
		c.cmds = make(map[string][]string)
	}
	c.cmds[env.Type] = append(c.cmds[env.Type], addr)
	return nil
}

func (c *captureSender) sentTo(cmd string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cmds[cmd]...)
}

type okProber struct{}

func (okProber) Probe(context.Context, string) error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Network = string(params.Regtest)
	cfg.Home = t.TempDir()
	cfg.Listen = "127.0.0.1:0"
	cfg.Intervals.Tick = tickEvery
	return cfg
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	_, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	return priv
}

func newRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	r, err := NewRunner(opts)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r
}

func announce(t *testing.T, now time.Time, op proto.Outpoint, collPriv []byte) proto.Broadcast {
	t.Helper()
	b, err := masternode.NewBroadcast(masternode.BroadcastParams{
		Network:         params.Regtest,
		Outpoint:        op,
		Addr:            testAddr,
		CollateralPriv:  collPriv,
		OperatorPriv:    mustKey(t),
		ProtocolVersion: params.ProtocolVersion,
		Now:             now,
	})
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	return b
}

func appendBlock(t *testing.T, path string, b chain.Block) {
	t.Helper()
	b.Hash = chain.Hash(crypto.Sum256([]byte{byte(b.Height)}))
	if err := store.AppendJSONL(path, b); err != nil {
		t.Fatalf("append block: %v", err)
	}
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	clock := testutil.NewClock(testStart)
	r := newRunner(t, Options{Config: cfg, Sender: &captureSender{}, Now: clock.Now})
	op := proto.Outpoint{TxID: [32]byte{0xaa}, Index: 0}
	if ok, dos := r.Registry.CheckMnbAndUpdateMasternodeList("", announce(t, clock.Now(), op, mustKey(t))); !ok {
		t.Fatalf("announcement refused dos=%d", dos)
	}
	if err := r.DumpState(); err != nil {
		t.Fatalf("dump: %v", err)
	}

	again := newRunner(t, Options{Config: cfg, Sender: &captureSender{}, Now: clock.Now})
	if err := again.LoadState(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !again.Registry.Has(op) {
		t.Fatalf("entry lost across restart")
	}
}

func TestCorruptSnapshotStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	if err := store.WriteFileAtomic(cfg.RegistryPath(), []byte("not cbor"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := newRunner(t, Options{Config: cfg, Sender: &captureSender{}})
	if err := r.LoadState(); err != nil {
		t.Fatalf("load should not fail on a bad snapshot: %v", err)
	}
	if r.Registry.Size() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestChainFeedDrivesRegistry(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChainFeed = filepath.Join(cfg.Home, feedName)
	clock := testutil.NewClock(testStart)
	op := proto.Outpoint{TxID: [32]byte{0xbb}, Index: 2}
	collPriv := mustKey(t)
	collPub, _ := crypto.PubFromPriv(collPriv)
	payee, err := crypto.KeyID(collPub)
	if err != nil {
		t.Fatalf("key id: %v", err)
	}

	appendBlock(t, cfg.ChainFeed, chain.Block{Height: 0, Time: testStart.Unix(), Outputs: []proto.Outpoint{op}})
	r := newRunner(t, Options{Config: cfg, Sender: &captureSender{}, Now: clock.Now})
	if err := r.LoadState(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok, dos := r.Registry.CheckMnbAndUpdateMasternodeList("", announce(t, clock.Now(), op, collPriv)); !ok {
		t.Fatalf("announcement refused dos=%d", dos)
	}

	appendBlock(t, cfg.ChainFeed, chain.Block{Height: 1, Time: testStart.Unix() + 150, Payee: payee[:]})
	r.Tick(context.Background())
	mn, ok := r.Registry.Get(op)
	if !ok || mn.LastPaidHeight != 1 || mn.LastPaidTime != testStart.Unix()+150 {
		t.Fatalf("payment not applied: %+v", mn)
	}

	appendBlock(t, cfg.ChainFeed, chain.Block{Height: 2, Time: testStart.Unix() + 300, Spends: []proto.Outpoint{op}})
	clock.Advance(tickEvery)
	r.Tick(context.Background())
	if r.Registry.Has(op) {
		t.Fatalf("spent collateral still listed")
	}
}

func TestUnknownCollateralRefusedWithFeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChainFeed = filepath.Join(cfg.Home, feedName)
	appendBlock(t, cfg.ChainFeed, chain.Block{Height: 0, Time: testStart.Unix()})
	clock := testutil.NewClock(testStart)
	r := newRunner(t, Options{Config: cfg, Sender: &captureSender{}, Now: clock.Now})
	if err := r.LoadState(); err != nil {
		t.Fatalf("load: %v", err)
	}
	op := proto.Outpoint{TxID: [32]byte{0xcc}}
	if ok, _ := r.Registry.CheckMnbAndUpdateMasternodeList("", announce(t, clock.Now(), op, mustKey(t))); ok {
		t.Fatalf("announcement for unknown collateral admitted")
	}
}

func TestMasternodeActivatesOnTick(t *testing.T) {
	cfg := testConfig(t)
	cfg.Masternode = true
	cfg.OperatorKeyFile = "unused"
	cfg.ExternalAddr = testAddr
	cfg.Bootstrap = []string{bootPeer}
	cfg.ChainFeed = filepath.Join(cfg.Home, feedName)
	clock := testutil.NewClock(testStart)
	op := proto.Outpoint{TxID: [32]byte{0xdd}, Index: 1}

	w, err := wallet.Open(cfg.WalletPath())
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if err := w.Unlock(testPass); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := w.AddOutput(op, wallet.CollateralAmount, mustKey(t)); err != nil {
		t.Fatalf("add output: %v", err)
	}
	appendBlock(t, cfg.ChainFeed, chain.Block{Height: 0, Time: testStart.Unix(), Outputs: []proto.Outpoint{op}})

	sender := &captureSender{}
	r := newRunner(t, Options{
		Config:       cfg,
		OperatorPriv: mustKey(t),
		Passphrase:   testPass,
		Sender:       sender,
		Prober:       okProber{},
		Now:          clock.Now,
	})
	if err := r.LoadState(); err != nil {
		t.Fatalf("load: %v", err)
	}
	r.Tick(context.Background())
	r.Gossip.Wait()

	if _, ok := r.Node.Status().(activenode.Started); !ok {
		t.Fatalf("expected started, got %s: %s", r.Node.Status().Name(), r.Node.Status().Message())
	}
	if !r.Registry.Has(op) {
		t.Fatalf("own entry not listed")
	}
	if !r.Wallet.IsOutputLocked(op) {
		t.Fatalf("collateral not locked")
	}
	if got := sender.sentTo(proto.CmdBroadcast); len(got) != 1 || got[0] != bootPeer {
		t.Fatalf("expected mnb relayed to bootstrap peer, got %v", got)
	}
	if got := sender.sentTo(proto.CmdListRequest); len(got) != 1 || got[0] != bootPeer {
		t.Fatalf("expected dseg to bootstrap peer, got %v", got)
	}

	// next ping is due after the minimum ping interval
	clock.Advance(params.MinPingInterval + time.Second)
	r.Tick(context.Background())
	r.Gossip.Wait()
	if got := sender.sentTo(proto.CmdPing); len(got) != 1 {
		t.Fatalf("expected one ping relayed, got %v", got)
	}
}

func TestLockedWalletNotCapable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Masternode = true
	cfg.OperatorKeyFile = "unused"
	cfg.ExternalAddr = testAddr
	r := newRunner(t, Options{Config: cfg, OperatorPriv: mustKey(t), Sender: &captureSender{}, Prober: okProber{}})
	r.Tick(context.Background())
	st, ok := r.Node.Status().(activenode.NotCapable)
	if !ok {
		t.Fatalf("expected not capable, got %s", r.Node.Status().Name())
	}
	if st.Reason == "" {
		t.Fatalf("expected a reason")
	}
}

func TestNewRunnerRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Masternode = true
	cfg.OperatorKeyFile = "unused"
	cfg.ExternalAddr = "203.0.113.5:9999"
	if _, err := NewRunner(Options{Config: cfg, OperatorPriv: mustKey(t), Sender: &captureSender{}}); err == nil {
		t.Fatalf("expected reserved port refused on regtest")
	}
}

func TestDetectAddr(t *testing.T) {
	r := newRunner(t, Options{Config: testConfig(t), Sender: &captureSender{}})
	r.setListenAddr("127.0.0.1:19994")
	if _, ok := r.detectAddr(); ok {
		t.Fatalf("loopback must not be announced")
	}
	r.setListenAddr("203.0.113.9:19994")
	if addr, ok := r.detectAddr(); !ok || addr != "203.0.113.9:19994" {
		t.Fatalf("expected public listen address, got %q %v", addr, ok)
	}
}
