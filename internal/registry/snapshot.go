package registry

import (
	"sort"

	"github.com/fxamacker/cbor/v2"

	"mnnet/internal/masternode"
	"mnnet/internal/proto"
)

// SnapshotVersion tags persisted registries. Bump it whenever the layout
// of snapshot or masternode.Masternode changes.
const SnapshotVersion = "mnnet-registry-1"

type entryAsk struct {
	_        struct{} `cbor:",toarray"`
	Outpoint proto.Outpoint
	Peers    map[string]int64
}

// snapshot fields are positional; keep the order.
type snapshot struct {
	_                struct{} `cbor:",toarray"`
	Version          string
	Entries          []masternode.Masternode
	AskedUs          map[string]int64
	WeAsked          map[string]int64
	WeAskedEntry     []entryAsk
	LastWatchdogVote int64
	SeenBroadcasts   []proto.Broadcast
	SeenPings        []proto.Ping
	DirtyGovernance  [][32]byte
}

var (
	snapEnc cbor.EncMode
	snapDec cbor.DecMode
)

func init() {
	var err error
	snapEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	snapDec, err = cbor.DecOptions{
		IndefLength:      cbor.IndefLengthForbidden,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
		MaxNestedLevels:  32,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Snapshot serializes the registry and its bookkeeping in a fixed order.
func (r *Registry) Snapshot() ([]byte, error) {
	r.mu.Lock()
	s := snapshot{
		Version:          SnapshotVersion,
		Entries:          make([]masternode.Masternode, 0, len(r.entries)),
		AskedUs:          copyAsks(r.askedUs),
		WeAsked:          copyAsks(r.weAsked),
		LastWatchdogVote: r.lastWatchdogVote,
		SeenBroadcasts:   make([]proto.Broadcast, 0, len(r.seenBroadcasts)),
		SeenPings:        make([]proto.Ping, 0, len(r.seenPings)),
		DirtyGovernance:  append([][32]byte(nil), r.dirtyGovernance...),
	}
	for _, mn := range r.entries {
		s.Entries = append(s.Entries, mn.Clone())
	}
	for op, asks := range r.weAskedEntry {
		s.WeAskedEntry = append(s.WeAskedEntry, entryAsk{Outpoint: op, Peers: copyAsks(asks)})
	}
	for _, b := range r.seenBroadcasts {
		s.SeenBroadcasts = append(s.SeenBroadcasts, b)
	}
	for _, p := range r.seenPings {
		s.SeenPings = append(s.SeenPings, p)
	}
	r.mu.Unlock()

	sort.Slice(s.Entries, func(i, j int) bool { return s.Entries[i].Outpoint.Less(s.Entries[j].Outpoint) })
	sort.Slice(s.WeAskedEntry, func(i, j int) bool { return s.WeAskedEntry[i].Outpoint.Less(s.WeAskedEntry[j].Outpoint) })
	return snapEnc.Marshal(s)
}

// Restore replaces the registry with a snapshot. Any tag mismatch or
// undecodable input leaves the registry empty and reports reset=true.
func (r *Registry) Restore(data []byte) (reset bool) {
	var head []cbor.RawMessage
	var version string
	if err := snapDec.Unmarshal(data, &head); err != nil || len(head) == 0 {
		r.resetWith("undecodable snapshot")
		return true
	}
	if err := snapDec.Unmarshal(head[0], &version); err != nil || version != SnapshotVersion {
		r.resetWith("incompatible snapshot format " + version)
		return true
	}
	var s snapshot
	if err := snapDec.Unmarshal(data, &s); err != nil {
		r.resetWith("corrupt snapshot: " + err.Error())
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	for i := range s.Entries {
		mn := s.Entries[i].Clone()
		r.entries[mn.Outpoint] = &mn
	}
	if s.AskedUs != nil {
		r.askedUs = s.AskedUs
	}
	if s.WeAsked != nil {
		r.weAsked = s.WeAsked
	}
	for _, a := range s.WeAskedEntry {
		if len(a.Peers) > 0 {
			r.weAskedEntry[a.Outpoint] = a.Peers
		}
	}
	r.lastWatchdogVote = s.LastWatchdogVote
	for _, b := range s.SeenBroadcasts {
		r.seenBroadcasts[b.Hash()] = b
	}
	for _, p := range s.SeenPings {
		r.seenPings[p.Hash()] = p
	}
	r.dirtyGovernance = s.DirtyGovernance
	r.metrics.SetEntries(len(r.entries))
	r.log.Info().Int("entries", len(r.entries)).Msg("loaded masternode registry")
	return false
}

func (r *Registry) resetWith(reason string) {
	r.log.Warn().Str("reason", reason).Msg("resetting masternode registry")
	r.Clear()
}

func copyAsks(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
