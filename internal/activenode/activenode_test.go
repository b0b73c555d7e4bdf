package activenode

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mnnet/internal/crypto"
	"mnnet/internal/masternode"
	"mnnet/internal/params"
	"mnnet/internal/proto"
	"mnnet/internal/registry"
	"mnnet/internal/testutil"
	"mnnet/internal/wallet"
)

const nodeAddr = "203.0.113.5:19998"

type fakeChain struct {
	synced bool
	conf   map[proto.Outpoint]int
	min    int
}

func (c *fakeChain) IsSynced() bool { return c.synced }

func (c *fakeChain) Confirmations(op proto.Outpoint) (int, bool) {
	n, ok := c.conf[op]
	return n, ok
}

func (c *fakeChain) MinConfirmations() int { return c.min }

type fakeProber struct {
	err   error
	calls []string
}

func (p *fakeProber) Probe(_ context.Context, addr string) error {
	p.calls = append(p.calls, addr)
	return p.err
}

type harness struct {
	clock  *testutil.Clock
	chain  *fakeChain
	wallet *wallet.Wallet
	prober *fakeProber
	reg    *registry.Registry
	node   *Node
	opPriv []byte
}

type setup struct {
	network    params.Network
	addr       string
	collateral bool
	unlocked   bool
	amount     int64
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	if s.network == "" {
		s.network = params.Test
	}
	h := &harness{
		clock:  testutil.NewClock(time.Unix(1_700_000_000, 0)),
		chain:  &fakeChain{synced: true, conf: make(map[proto.Outpoint]int), min: 1},
		prober: &fakeProber{},
	}
	w, err := wallet.Open(filepath.Join(t.TempDir(), "wallet.json"))
	require.NoError(t, err)
	h.wallet = w
	if s.collateral {
		require.NoError(t, w.Unlock("pw"))
		_, collPriv, err := crypto.GenKeypair()
		require.NoError(t, err)
		amount := s.amount
		if amount == 0 {
			amount = wallet.CollateralAmount
		}
		require.NoError(t, w.AddOutput(proto.Outpoint{TxID: [32]byte{0xc0}, Index: 1}, amount, collPriv))
		if !s.unlocked {
			w.Lock()
		}
	} else if s.unlocked {
		require.NoError(t, w.Unlock("pw"))
	}

	_, opPriv, err := crypto.GenKeypair()
	require.NoError(t, err)
	h.opPriv = opPriv

	nop := zerolog.Nop()
	h.reg = registry.New(registry.Options{
		Network:    s.network,
		Collateral: h.chain,
		Now:        h.clock.Now,
		Logger:     &nop,
		OnAccepted: func(info masternode.Info) { h.node.OnAnnounced(info) },
	})
	h.node, err = New(Options{
		Config: Config{
			Network:      s.network,
			ExternalAddr: s.addr,
			OperatorPriv: opPriv,
		},
		Wallet:   w,
		Chain:    h.chain,
		Registry: h.reg,
		Prober:   h.prober,
		Now:      h.clock.Now,
		Logger:   &nop,
	})
	require.NoError(t, err)
	return h
}

var collOp = proto.Outpoint{TxID: [32]byte{0xc0}, Index: 1}

func TestSyncGate(t *testing.T) {
	h := newHarness(t, setup{addr: nodeAddr})
	h.chain.synced = false
	st := h.node.ManageStatus(context.Background())
	require.Equal(t, SyncInProgress{}, st)
	require.Contains(t, st.Message(), "Sync in progress")

	h.chain.synced = true
	st = h.node.ManageStatus(context.Background())
	require.Equal(t, NotCapable{Reason: reasonWalletLocked}, st)

	reg := newHarness(t, setup{network: params.Regtest, addr: "203.0.113.5:19994"})
	reg.chain.synced = false
	require.Equal(t, NotCapable{Reason: reasonWalletLocked}, reg.node.ManageStatus(context.Background()))
}

func TestZeroBalanceWaitsForRemoteActivation(t *testing.T) {
	h := newHarness(t, setup{addr: nodeAddr, unlocked: true})
	for i := 0; i < 5; i++ {
		st := h.node.ManageStatus(context.Background())
		require.Equal(t, "NOT_CAPABLE", st.Name())
		require.Contains(t, st.Message(), "waiting for remote activation")
		h.clock.Advance(time.Minute)
	}
	require.Zero(t, h.reg.Size())
	require.Empty(t, h.prober.calls)

	// a cold wallet announces the collateral with our operator key
	cold := newHarness(t, setup{addr: nodeAddr, collateral: true, unlocked: true})
	cold.clock.Set(h.clock.Now())
	b, err := cold.node.CreateBroadcastFor(nodeAddr, hex.EncodeToString(h.opPriv), collOp)
	require.NoError(t, err)
	opPub, err := crypto.PubFromPriv(h.opPriv)
	require.NoError(t, err)
	require.Equal(t, opPub, []byte(b.PubKeyOperator))

	h.chain.conf[collOp] = 3
	ok, dos := h.reg.CheckMnbAndUpdateMasternodeList("198.51.100.1:19998", b)
	require.True(t, ok)
	require.Zero(t, dos)
	require.Equal(t, Started{}, h.node.Status())
	require.Equal(t, collOp, h.node.Outpoint())
	require.Equal(t, nodeAddr, h.node.Addr())
}

func TestActivationChecks(t *testing.T) {
	cases := []struct {
		name  string
		setup setup
		tweak func(h *harness)
		want  Status
	}{
		{
			name:  "no external address",
			setup: setup{collateral: true, unlocked: true},
			want:  NotCapable{Reason: reasonNoAddr},
		},
		{
			name:  "probe fails",
			setup: setup{addr: nodeAddr, collateral: true, unlocked: true},
			tweak: func(h *harness) { h.prober.err = errors.New("refused") },
			want:  NotCapable{Reason: "Could not connect to " + nodeAddr},
		},
		{
			name:  "no collateral sized output",
			setup: setup{addr: nodeAddr, collateral: true, unlocked: true, amount: 5 * wallet.Coin},
			want:  NotCapable{Reason: reasonNoCoins},
		},
		{
			name:  "input too new",
			setup: setup{addr: nodeAddr, collateral: true, unlocked: true},
			tweak: func(h *harness) { h.chain.min = 15; h.chain.conf[collOp] = 4 },
			want:  InputTooNew{Outpoint: collOp, Confirmations: 4, Required: 15},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.setup)
			if tc.tweak != nil {
				tc.tweak(h)
			}
			require.Equal(t, tc.want, h.node.ManageStatus(context.Background()))
			require.Zero(t, h.reg.Size())
			require.False(t, h.wallet.IsOutputLocked(collOp))
		})
	}
}

func TestReservedPortRefused(t *testing.T) {
	h := newHarness(t, setup{addr: "203.0.113.5:9999", collateral: true, unlocked: true})
	st := h.node.ManageStatus(context.Background())
	nc, ok := st.(NotCapable)
	require.True(t, ok, "got %s", st.Name())
	require.Contains(t, nc.Reason, "invalid port")
	require.Empty(t, h.prober.calls)

	mainnet := newHarness(t, setup{network: params.Main, addr: "203.0.113.5:19999", collateral: true, unlocked: true})
	nc, ok = mainnet.node.ManageStatus(context.Background()).(NotCapable)
	require.True(t, ok)
	require.Contains(t, nc.Reason, "only 9999 is supported on mainnet")
}

func TestDetectedAddressUsed(t *testing.T) {
	h := newHarness(t, setup{collateral: true, unlocked: true})
	h.node.detectAddr = func() (string, bool) { return nodeAddr, true }
	h.chain.conf[collOp] = 1
	require.Equal(t, Started{}, h.node.ManageStatus(context.Background()))
	require.Equal(t, []string{nodeAddr}, h.prober.calls)
	require.Equal(t, nodeAddr, h.node.Addr())
}

func TestActivationThenPing(t *testing.T) {
	h := newHarness(t, setup{addr: nodeAddr, collateral: true, unlocked: true})
	h.chain.conf[collOp] = 1

	require.Equal(t, Started{}, h.node.ManageStatus(context.Background()))
	require.True(t, h.wallet.IsOutputLocked(collOp))
	mn, ok := h.reg.Get(collOp)
	require.True(t, ok)
	require.Equal(t, nodeAddr, mn.Addr)
	require.Equal(t, masternode.StatePreEnabled, mn.State)

	require.ErrorIs(t, h.node.SendPing(), ErrTooEarly)
	h.clock.Advance(params.MinPingInterval - time.Minute)
	require.ErrorIs(t, h.node.SendPing(), ErrTooEarly)

	h.clock.Advance(time.Minute)
	require.NoError(t, h.node.SendPing())
	mn, _ = h.reg.Get(collOp)
	require.Equal(t, h.clock.Now().Unix(), mn.LastPing.SigTime)

	// the tick path pings too, once the interval elapses again
	h.clock.Advance(params.MinPingInterval)
	require.Equal(t, Started{}, h.node.ManageStatus(context.Background()))
	mn, _ = h.reg.Get(collOp)
	require.Equal(t, h.clock.Now().Unix(), mn.LastPing.SigTime)
	state, _ := h.reg.CheckMasternode(collOp)
	require.Equal(t, masternode.StateEnabled, state)
}

func TestLosingEntryDemotes(t *testing.T) {
	h := newHarness(t, setup{addr: nodeAddr, collateral: true, unlocked: true})
	h.chain.conf[collOp] = 1
	require.Equal(t, Started{}, h.node.ManageStatus(context.Background()))

	require.True(t, h.reg.Remove(collOp))
	h.clock.Advance(params.MinPingInterval)
	err := h.node.SendPing()
	require.ErrorIs(t, err, registry.ErrNotInRegistry)
	nc, ok := h.node.Status().(NotCapable)
	require.True(t, ok)
	require.Contains(t, nc.Reason, "doesn't include our Masternode")

	// next tick re-activates from scratch
	require.Equal(t, Started{}, h.node.ManageStatus(context.Background()))
	require.True(t, h.reg.Has(collOp))
}

func TestInitialAdoptsListedEntry(t *testing.T) {
	cold := newHarness(t, setup{addr: nodeAddr, collateral: true, unlocked: true})
	h := newHarness(t, setup{addr: nodeAddr})
	b, err := cold.node.CreateBroadcastFor(nodeAddr, hex.EncodeToString(h.opPriv), collOp)
	require.NoError(t, err)

	// admitted before the node exists, so only the INITIAL lookup can find it
	h.chain.conf[collOp] = 1
	h.reg.UpdateMasternodeList(b)

	require.Equal(t, Started{}, h.node.ManageStatus(context.Background()))
	require.Equal(t, collOp, h.node.Outpoint())
}

func TestCreateBroadcastForChecks(t *testing.T) {
	h := newHarness(t, setup{addr: nodeAddr, collateral: true, unlocked: true})
	key := hex.EncodeToString(h.opPriv)

	h.chain.synced = false
	_, err := h.node.CreateBroadcastFor(nodeAddr, key, collOp)
	require.ErrorIs(t, err, ErrSyncInProgress)
	h.chain.synced = true

	_, err = h.node.CreateBroadcastFor(nodeAddr, "zz", collOp)
	require.Error(t, err)

	_, err = h.node.CreateBroadcastFor(nodeAddr, key, proto.Outpoint{Index: 7})
	require.ErrorIs(t, err, wallet.ErrNoCollateral)

	_, err = h.node.CreateBroadcastFor("203.0.113.5:9999", key, collOp)
	require.ErrorIs(t, err, params.ErrInvalidPort)

	b, err := h.node.CreateBroadcastFor(nodeAddr, key, collOp)
	require.NoError(t, err)
	require.NoError(t, masternode.VerifyBroadcast(b))
}

func TestSendPingRequiresStarted(t *testing.T) {
	h := newHarness(t, setup{addr: nodeAddr})
	require.ErrorIs(t, h.node.SendPing(), ErrNotStarted)
	require.Equal(t, "Node just started, not yet activated", h.node.Status().Message())
}
