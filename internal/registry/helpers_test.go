package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mnnet/internal/crypto"
	"mnnet/internal/masternode"
	"mnnet/internal/params"
	"mnnet/internal/proto"
	"mnnet/internal/testutil"
)

var testStart = time.Unix(1_700_000_000, 0)

type sent struct {
	peer    string
	cmd     string
	payload any
}

type fakeTransport struct {
	mu      sync.Mutex
	relayed []sent
	pushed  []sent
	dos     map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dos: make(map[string]int)}
}

func (f *fakeTransport) Relay(cmd string, payload any, except string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayed = append(f.relayed, sent{peer: except, cmd: cmd, payload: payload})
}

func (f *fakeTransport) Push(peer, cmd string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, sent{peer: peer, cmd: cmd, payload: payload})
	return nil
}

func (f *fakeTransport) Misbehaving(peer string, score int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dos[peer] += score
}

func (f *fakeTransport) relayCount(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.relayed {
		if s.cmd == cmd {
			n++
		}
	}
	return n
}

func (f *fakeTransport) pushesTo(peer, cmd string) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sent
	for _, s := range f.pushed {
		if s.peer == peer && s.cmd == cmd {
			out = append(out, s)
		}
	}
	return out
}

type fakeChain map[int64][32]byte

func (c fakeChain) BlockHash(h int64) ([32]byte, bool) {
	v, ok := c[h]
	return v, ok
}

type testNode struct {
	op       proto.Outpoint
	addr     string
	collPriv []byte
	collPub  []byte
	opPriv   []byte
}

func (n testNode) payee(t *testing.T) [20]byte {
	t.Helper()
	id, err := crypto.KeyID(n.collPub)
	require.NoError(t, err)
	return id
}

func newTestNode(t *testing.T, i int, port int) testNode {
	t.Helper()
	collPub, collPriv, err := crypto.GenKeypair()
	require.NoError(t, err)
	_, opPriv, err := crypto.GenKeypair()
	require.NoError(t, err)
	var op proto.Outpoint
	op.TxID[0] = byte(i)
	op.TxID[31] = byte(i * 7)
	return testNode{
		op:       op,
		addr:     fmt.Sprintf("203.0.113.%d:%d", i, port),
		collPriv: collPriv,
		collPub:  collPub,
		opPriv:   opPriv,
	}
}

func (n testNode) broadcast(t *testing.T, network params.Network, at time.Time) proto.Broadcast {
	t.Helper()
	b, err := masternode.NewBroadcast(masternode.BroadcastParams{
		Network:        network,
		Outpoint:       n.op,
		Addr:           n.addr,
		CollateralPriv: n.collPriv,
		OperatorPriv:   n.opPriv,
		Now:            at,
	})
	require.NoError(t, err)
	return b
}

func (n testNode) ping(t *testing.T, at time.Time) proto.Ping {
	t.Helper()
	p, err := masternode.NewPing(n.op, n.opPriv, at)
	require.NoError(t, err)
	return p
}

type harness struct {
	reg   *Registry
	clock *testutil.Clock
	net   *fakeTransport
	chain fakeChain
}

func newHarness(t *testing.T, network params.Network) *harness {
	t.Helper()
	h := &harness{
		clock: testutil.NewClock(testStart),
		net:   newFakeTransport(),
		chain: fakeChain{},
	}
	nop := zerolog.Nop()
	h.reg = New(Options{
		Network:   network,
		Chain:     h.chain,
		Transport: h.net,
		Now:       h.clock.Now,
		Logger:    &nop,
	})
	return h
}

// admit adds n with a broadcast signed now.
func (h *harness) admit(t *testing.T, n testNode) proto.Broadcast {
	t.Helper()
	b := n.broadcast(t, h.reg.network, h.clock.Now())
	ok, dos := h.reg.CheckMnbAndUpdateMasternodeList("198.51.100.1:19998", b)
	require.True(t, ok)
	require.Zero(t, dos)
	return b
}

func (h *harness) pingNow(t *testing.T, n testNode) bool {
	t.Helper()
	ok, _ := h.reg.CheckPing("198.51.100.1:19998", n.ping(t, h.clock.Now()))
	return ok
}
