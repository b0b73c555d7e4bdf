// Package registry holds the node's view of every announced masternode:
// admission of gossip, liveness sweeps, list sync and the deterministic
// rank and payment queue.
//
// Locking: msgMu serializes inbound gossip and is always taken before mu.
// mu guards entries and every bookkeeping map and is never held while
// acquiring msgMu, calling the transport, or verifying signatures.
package registry

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mnnet/internal/debuglog"
	"mnnet/internal/masternode"
	"mnnet/internal/metrics"
	"mnnet/internal/params"
	"mnnet/internal/proto"
)

var (
	ErrNotInRegistry       = errors.New("masternode not in registry")
	ErrBroadcastRegression = errors.New("broadcast older than stored entry")
	ErrUnknownCommand      = errors.New("unknown command")
)

// Transport is the network collaborator. An empty peer means the local node.
type Transport interface {
	Relay(cmd string, payload any, except string)
	Push(peer, cmd string, payload any) error
	Misbehaving(peer string, score int, reason string)
}

// Chain supplies block hashes for rank seeds.
type Chain interface {
	BlockHash(height int64) ([32]byte, bool)
}

// Collateral reports confirmation depth of a collateral output. When set,
// announcements for unknown or shallow outputs are refused.
type Collateral interface {
	Confirmations(op proto.Outpoint) (int, bool)
	MinConfirmations() int
}

type Options struct {
	Network    params.Network
	Chain      Chain
	Collateral Collateral
	Transport  Transport
	Now        func() time.Time
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
	// OnAccepted runs after an announcement is admitted, outside every lock.
	OnAccepted func(masternode.Info)
}

type Registry struct {
	msgMu sync.Mutex
	mu    sync.Mutex

	network    params.Network
	chain      Chain
	collateral Collateral
	transport  Transport
	now        func() time.Time
	log        zerolog.Logger
	metrics    *metrics.Metrics
	onAccepted func(masternode.Info)

	entries map[proto.Outpoint]*masternode.Masternode
	// unix second after which a peer may ask us (askedUs) or be asked by us
	// (weAsked, weAskedEntry) again
	askedUs      map[string]int64
	weAsked      map[string]int64
	weAskedEntry map[proto.Outpoint]map[string]int64

	seenBroadcasts map[[32]byte]proto.Broadcast
	seenPings      map[[32]byte]proto.Ping

	lastWatchdogVote int64
	dirtyGovernance  [][32]byte
}

func New(opts Options) *Registry {
	r := &Registry{
		network:    opts.Network,
		chain:      opts.Chain,
		collateral: opts.Collateral,
		transport:  opts.Transport,
		now:        opts.Now,
		metrics:    opts.Metrics,
		onAccepted: opts.OnAccepted,
	}
	if r.network == "" {
		r.network = params.Main
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.transport == nil {
		r.transport = nopTransport{}
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	} else {
		r.log = debuglog.Component("registry")
	}
	r.resetLocked()
	return r
}

func (r *Registry) resetLocked() {
	r.entries = make(map[proto.Outpoint]*masternode.Masternode)
	r.askedUs = make(map[string]int64)
	r.weAsked = make(map[string]int64)
	r.weAskedEntry = make(map[proto.Outpoint]map[string]int64)
	r.seenBroadcasts = make(map[[32]byte]proto.Broadcast)
	r.seenPings = make(map[[32]byte]proto.Ping)
	r.lastWatchdogVote = 0
	r.dirtyGovernance = nil
}

type nopTransport struct{}

func (nopTransport) Relay(string, any, string)        {}
func (nopTransport) Push(string, string, any) error   { return nil }
func (nopTransport) Misbehaving(string, int, string) {}

// Add inserts mn if its outpoint is unknown.
func (r *Registry) Add(mn masternode.Masternode) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[mn.Outpoint]; ok {
		return false
	}
	cp := mn.Clone()
	r.entries[mn.Outpoint] = &cp
	r.metrics.SetEntries(len(r.entries))
	r.log.Info().Str("vin", mn.Outpoint.String()).Str("addr", mn.Addr).Int("size", len(r.entries)).Msg("adding new masternode")
	return true
}

func (r *Registry) Get(op proto.Outpoint) (masternode.Masternode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return masternode.Masternode{}, false
	}
	return mn.Clone(), true
}

func (r *Registry) Has(op proto.Outpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[op]
	return ok
}

// GetByOperatorKey prefers the newest announcement when several entries
// share the key.
func (r *Registry) GetByOperatorKey(pub []byte) (masternode.Masternode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn := r.pickLocked(func(mn *masternode.Masternode) bool {
		return bytes.Equal(mn.PubKeyOperator, pub)
	})
	if mn == nil {
		return masternode.Masternode{}, false
	}
	return mn.Clone(), true
}

// GetByPayee finds the entry whose collateral key hashes to payee.
func (r *Registry) GetByPayee(payee [20]byte) (masternode.Masternode, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn := r.findByPayeeLocked(payee)
	if mn == nil {
		return masternode.Masternode{}, false
	}
	return mn.Clone(), true
}

func (r *Registry) findByPayeeLocked(payee [20]byte) *masternode.Masternode {
	return r.pickLocked(func(mn *masternode.Masternode) bool {
		return mn.PayeeID() == payee
	})
}

// pickLocked returns the matching entry with the newest SigTime, breaking
// ties on the lowest outpoint, so every node resolves a shared key alike.
func (r *Registry) pickLocked(match func(*masternode.Masternode) bool) *masternode.Masternode {
	var best *masternode.Masternode
	for _, mn := range r.entries {
		if !match(mn) {
			continue
		}
		if best == nil || mn.SigTime > best.SigTime ||
			(mn.SigTime == best.SigTime && mn.Outpoint.Less(best.Outpoint)) {
			best = mn
		}
	}
	return best
}

func (r *Registry) GetInfo(op proto.Outpoint) (masternode.Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return masternode.Info{}, false
	}
	return mn.Info(), true
}

func (r *Registry) GetInfoByOperatorKey(pub []byte) (masternode.Info, bool) {
	mn, ok := r.GetByOperatorKey(pub)
	if !ok {
		return masternode.Info{}, false
	}
	return mn.Info(), true
}

// List returns every entry, freshly checked, ordered by outpoint.
func (r *Registry) List() []masternode.Masternode {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
	out := make([]masternode.Masternode, 0, len(r.entries))
	for _, mn := range r.entries {
		out = append(out, mn.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Outpoint.Less(out[j].Outpoint) })
	return out
}

func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Remove drops an entry immediately, e.g. when its collateral is spent.
func (r *Registry) Remove(op proto.Outpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return false
	}
	r.evictLocked(mn, "removed")
	return true
}

func (r *Registry) evictLocked(mn *masternode.Masternode, reason string) {
	r.dirtyGovernance = append(r.dirtyGovernance, mn.Governance...)
	delete(r.entries, mn.Outpoint)
	delete(r.weAskedEntry, mn.Outpoint)
	r.metrics.AddEvicted(1)
	r.metrics.SetEntries(len(r.entries))
	r.metrics.Recent().Add(metrics.Event{Kind: reason, Outpoint: mn.Outpoint.String(), At: r.now().UTC()})
	r.log.Info().Str("vin", mn.Outpoint.String()).Str("state", mn.State.String()).Str("reason", reason).Msg("removing masternode")
}

// Clear resets the registry to empty, seen caches included.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	r.metrics.SetEntries(0)
}

func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("Masternodes: %d, peers who asked us for Masternode list: %d, peers we asked for Masternode list: %d, entries in Masternode list we asked for: %d",
		len(r.entries), len(r.askedUs), len(r.weAsked), len(r.weAskedEntry))
}

// FindRandomNotIn picks an enabled entry outside exclude.
func (r *Registry) FindRandomNotIn(exclude []proto.Outpoint, minProto uint32) (masternode.Masternode, bool) {
	skip := make(map[proto.Outpoint]struct{}, len(exclude))
	for _, op := range exclude {
		skip[op] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
	var pool []*masternode.Masternode
	for op, mn := range r.entries {
		if _, ok := skip[op]; ok {
			continue
		}
		if mn.ProtocolVersion < minProto || !mn.IsEnabled() {
			continue
		}
		pool = append(pool, mn)
	}
	if len(pool) == 0 {
		return masternode.Masternode{}, false
	}
	return pool[rand.IntN(len(pool))].Clone(), true
}

func (r *Registry) watchdogActiveLocked(now time.Time) bool {
	return now.Unix()-r.lastWatchdogVote <= int64(params.WatchdogMaxAge/time.Second)
}

func (r *Registry) checkLocked(now time.Time) {
	watchdog := r.watchdogActiveLocked(now)
	for _, mn := range r.entries {
		mn.Check(now, watchdog)
	}
}

// Check recomputes the derived status of every entry.
func (r *Registry) Check() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
}

func (r *Registry) CheckMasternode(op proto.Outpoint) (masternode.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return 0, false
	}
	now := r.now()
	return mn.Check(now, r.watchdogActiveLocked(now)), true
}

func (r *Registry) GetMasternodeState(op proto.Outpoint) (masternode.State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return 0, false
	}
	return mn.State, true
}

// CheckAndRemove evicts entries past the removal bound and spent ones. With
// force it also evicts expired entries and pre-enabled ones that never
// confirmed within the expiration window. Stale ask bookkeeping is pruned.
func (r *Registry) CheckAndRemove(force bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.checkLocked(now)
	grace := int64(params.ExpirationAge / time.Second)
	removed := 0
	for _, mn := range r.entries {
		evict := mn.State == masternode.StateRemove || mn.State == masternode.StateOutpointSpent
		if force {
			switch {
			case mn.State == masternode.StateExpired:
				evict = true
			case mn.State == masternode.StatePreEnabled && now.Unix()-mn.ActivatedAt > grace:
				evict = true
			}
		}
		if evict {
			r.evictLocked(mn, "sweep")
			removed++
		}
	}
	ts := now.Unix()
	for peer, until := range r.askedUs {
		if until < ts {
			delete(r.askedUs, peer)
		}
	}
	for peer, until := range r.weAsked {
		if until < ts {
			delete(r.weAsked, peer)
		}
	}
	for op, asks := range r.weAskedEntry {
		for peer, until := range asks {
			if until < ts {
				delete(asks, peer)
			}
		}
		if len(asks) == 0 {
			delete(r.weAskedEntry, op)
		}
	}
	return removed
}

// CountMasternodes counts entries at or above minProto; 0 disables the filter.
func (r *Registry) CountMasternodes(minProto uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, mn := range r.entries {
		if mn.ProtocolVersion >= minProto {
			n++
		}
	}
	return n
}

func (r *Registry) CountEnabled(minProto uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
	return r.countEnabledLocked(minProto)
}

func (r *Registry) countEnabledLocked(minProto uint32) int {
	n := 0
	for _, mn := range r.entries {
		if mn.ProtocolVersion >= minProto && mn.IsEnabled() {
			n++
		}
	}
	return n
}

func (r *Registry) CountByIP(family masternode.AddrFamily) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, mn := range r.entries {
		if mn.AddrFamily() == family {
			n++
		}
	}
	return n
}

// IsMasternodePingedWithin reports found=false for unknown outpoints.
func (r *Registry) IsMasternodePingedWithin(op proto.Outpoint, d time.Duration, at time.Time) (pinged, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mn, ok := r.entries[op]
	if !ok {
		return false, false
	}
	if at.IsZero() {
		at = r.now()
	}
	return mn.IsPingedWithin(d, at), true
}
