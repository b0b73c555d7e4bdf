package registry

import (
	"math/big"
	"sort"
	"time"

	"mnnet/internal/crypto"
	"mnnet/internal/masternode"
	"mnnet/internal/params"
	"mnnet/internal/proto"
)

// Rank is a 1-based position in the deterministic order at a height.
type Rank struct {
	Rank       int
	Masternode masternode.Masternode
}

// Payment is a confirmed reward reported by the block processor.
type Payment struct {
	Height int64
	Time   int64
	Payee  [20]byte
}

// Score is |blake2b(hash||outpoint) - blake2b(hash)| read as big-endian
// integers. Changing it breaks agreement with every other node.
func Score(blockHash [32]byte, op proto.Outpoint) *big.Int {
	base := crypto.Blake2b256(blockHash[:])
	mixed := crypto.Blake2b256(blockHash[:], op.Bytes())
	a := new(big.Int).SetBytes(mixed[:])
	b := new(big.Int).SetBytes(base[:])
	return a.Abs(a.Sub(a, b))
}

type scored struct {
	mn    *masternode.Masternode
	score *big.Int
}

// sortByScore orders by score descending, then outpoint bytes ascending.
func sortByScore(list []scored) {
	sort.Slice(list, func(i, j int) bool {
		if c := list[i].score.Cmp(list[j].score); c != 0 {
			return c > 0
		}
		return list[i].mn.Outpoint.Less(list[j].mn.Outpoint)
	})
}

func (r *Registry) blockHash(height int64) ([32]byte, bool) {
	if r.chain == nil || height < 0 {
		return [32]byte{}, false
	}
	return r.chain.BlockHash(height)
}

func (r *Registry) rankedLocked(hash [32]byte, minProto uint32, onlyActive bool) []scored {
	out := make([]scored, 0, len(r.entries))
	for _, mn := range r.entries {
		if mn.ProtocolVersion < minProto {
			continue
		}
		if onlyActive && !mn.IsEnabled() {
			continue
		}
		out = append(out, scored{mn: mn, score: Score(hash, mn.Outpoint)})
	}
	sortByScore(out)
	return out
}

// GetMasternodeRanks orders every entry at or above minProto by score at
// height. It is empty when the block hash is unknown.
func (r *Registry) GetMasternodeRanks(height int64, minProto uint32) []Rank {
	hash, ok := r.blockHash(height)
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
	ranked := r.rankedLocked(hash, minProto, false)
	out := make([]Rank, len(ranked))
	for i, s := range ranked {
		out[i] = Rank{Rank: i + 1, Masternode: s.mn.Clone()}
	}
	return out
}

// GetMasternodeRank returns 0, false when op is unranked at height.
func (r *Registry) GetMasternodeRank(op proto.Outpoint, height int64, minProto uint32, onlyActive bool) (int, bool) {
	hash, ok := r.blockHash(height)
	if !ok {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
	for i, s := range r.rankedLocked(hash, minProto, onlyActive) {
		if s.mn.Outpoint == op {
			return i + 1, true
		}
	}
	return 0, false
}

func (r *Registry) GetMasternodeByRank(rank int, height int64, minProto uint32, onlyActive bool) (masternode.Masternode, bool) {
	hash, ok := r.blockHash(height)
	if !ok || rank < 1 {
		return masternode.Masternode{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkLocked(r.now())
	ranked := r.rankedLocked(hash, minProto, onlyActive)
	if rank > len(ranked) {
		return masternode.Masternode{}, false
	}
	return ranked[rank-1].mn.Clone(), true
}

// GetNextMasternodeInQueueForPayment picks the eligible entry paid longest
// ago and reports how many entries were eligible.
func (r *Registry) GetNextMasternodeInQueueForPayment(height int64, filterSigTime bool) (masternode.Masternode, int, bool) {
	hash, haveHash := r.blockHash(height - params.PaymentScoreDepth)
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.checkLocked(now)
	return r.nextPayeeLocked(now, hash, haveHash, filterSigTime)
}

func (r *Registry) nextPayeeLocked(now time.Time, hash [32]byte, haveHash, filterSigTime bool) (masternode.Masternode, int, bool) {
	total := r.countEnabledLocked(params.MinPaymentsProtoVersion)
	zero := new(big.Int)
	var cands []scored
	for _, mn := range r.entries {
		if !mn.IsValidForPayment() || mn.ProtocolVersion < params.MinPaymentsProtoVersion {
			continue
		}
		if !mn.IsPingedWithin(params.ExpirationAge, now) {
			continue
		}
		if filterSigTime && mn.SigTime+int64(total)*params.PaymentAgePerNode > now.Unix() {
			continue
		}
		s := zero
		if haveHash {
			s = Score(hash, mn.Outpoint)
		}
		cands = append(cands, scored{mn: mn, score: s})
	}
	if filterSigTime && len(cands) < total/3 {
		return r.nextPayeeLocked(now, hash, haveHash, false)
	}
	if len(cands) == 0 {
		return masternode.Masternode{}, 0, false
	}
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].mn, cands[j].mn
		if a.LastPaidHeight != b.LastPaidHeight {
			return a.LastPaidHeight < b.LastPaidHeight
		}
		if a.LastPaidTime != b.LastPaidTime {
			return a.LastPaidTime < b.LastPaidTime
		}
		if c := cands[i].score.Cmp(cands[j].score); c != 0 {
			return c > 0
		}
		return a.Outpoint.Less(b.Outpoint)
	})
	return cands[0].mn.Clone(), len(cands), true
}

// UpdateLastPaid advances last-paid bookkeeping for every entry paid to
// p.Payee. Entries already at or past p.Height are left alone. It reports
// whether any entry moved.
func (r *Registry) UpdateLastPaid(p Payment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := false
	for _, mn := range r.entries {
		if mn.PayeeID() != p.Payee || p.Height <= mn.LastPaidHeight {
			continue
		}
		mn.LastPaidHeight = p.Height
		mn.LastPaidTime = p.Time
		updated = true
		r.log.Debug().Str("vin", mn.Outpoint.String()).Int64("height", p.Height).Msg("updated last paid")
	}
	return updated
}
