package masternode

import (
	"bytes"
	"net"
	"sort"
	"strings"
	"time"

	"mnnet/internal/crypto"
	"mnnet/internal/params"
	"mnnet/internal/proto"
)

type State int

const (
	StatePreEnabled State = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateRemove
	StateWatchdogExpired
)

func (s State) String() string {
	switch s {
	case StatePreEnabled:
		return "PRE_ENABLED"
	case StateEnabled:
		return "ENABLED"
	case StateExpired:
		return "EXPIRED"
	case StateOutpointSpent:
		return "OUTPOINT_SPENT"
	case StateRemove:
		return "REMOVE"
	case StateWatchdogExpired:
		return "WATCHDOG_EXPIRED"
	default:
		return "UNKNOWN"
	}
}

type AddrFamily int

const (
	FamilyUnknown AddrFamily = iota
	FamilyIPv4
	FamilyIPv6
	FamilyOnion
)

// Masternode is one registry entry. Registry callers only ever see clones.
type Masternode struct {
	Outpoint         proto.Outpoint  `json:"vin"`
	Addr             string          `json:"addr"`
	PubKeyCollateral proto.HexBytes  `json:"pubkey_collateral"`
	PubKeyOperator   proto.HexBytes  `json:"pubkey_operator"`
	ProtocolVersion  uint32          `json:"protocol_version"`
	SigTime          int64           `json:"sig_time"`
	LastPing         proto.Ping      `json:"last_ping"`
	Announcement     proto.Broadcast `json:"announcement"`
	State            State           `json:"state"`
	ActivatedAt      int64           `json:"activated_at"`
	LastPaidHeight   int64           `json:"last_paid_height"`
	LastPaidTime     int64           `json:"last_paid_time"`
	LastWatchdogVote int64           `json:"last_watchdog_vote"`
	Governance       [][32]byte      `json:"governance,omitempty"`
}

func FromBroadcast(b proto.Broadcast, now time.Time) *Masternode {
	mn := &Masternode{ActivatedAt: now.Unix(), LastWatchdogVote: b.SigTime}
	mn.UpdateFromBroadcast(b)
	return mn
}

func (mn *Masternode) UpdateFromBroadcast(b proto.Broadcast) {
	mn.Outpoint = b.Outpoint
	mn.Addr = b.Addr
	mn.PubKeyCollateral = append(proto.HexBytes(nil), b.PubKeyCollateral...)
	mn.PubKeyOperator = append(proto.HexBytes(nil), b.PubKeyOperator...)
	mn.ProtocolVersion = b.ProtocolVersion
	mn.SigTime = b.SigTime
	mn.Announcement = b
	if b.LastPing.SigTime > mn.LastPing.SigTime {
		mn.LastPing = b.LastPing
	}
}

// IsPingedWithin falls back to the announcement time for entries that
// have never pinged.
func (mn *Masternode) IsPingedWithin(d time.Duration, at time.Time) bool {
	last := mn.LastPing.SigTime
	if mn.LastPing.IsZero() {
		last = mn.SigTime
	}
	return at.Unix()-last < int64(d/time.Second)
}

func (mn *Masternode) IsBroadcastedWithin(d time.Duration, at time.Time) bool {
	return at.Unix()-mn.SigTime < int64(d/time.Second)
}

// Check recomputes State from ping/broadcast recency. OUTPOINT_SPENT is
// sticky: only explicit removal clears it.
func (mn *Masternode) Check(now time.Time, watchdogActive bool) State {
	if mn.State == StateOutpointSpent {
		return mn.State
	}
	switch {
	case !mn.IsPingedWithin(params.RemovalAge, now):
		mn.State = StateRemove
	case watchdogActive && now.Unix()-mn.LastWatchdogVote > int64(params.WatchdogMaxAge/time.Second):
		mn.State = StateWatchdogExpired
	case !mn.IsPingedWithin(params.ExpirationAge, now):
		mn.State = StateExpired
	case mn.LastPing.SigTime-mn.SigTime < int64(params.MinPingInterval/time.Second):
		mn.State = StatePreEnabled
	default:
		mn.State = StateEnabled
	}
	return mn.State
}

func (mn *Masternode) IsEnabled() bool { return mn.State == StateEnabled }

func (mn *Masternode) IsValidForPayment() bool {
	return mn.State == StateEnabled
}

func (mn *Masternode) PayeeID() [crypto.KeyIDSize]byte {
	id, _ := crypto.KeyID(mn.PubKeyCollateral)
	return id
}

func (mn *Masternode) AddrFamily() AddrFamily {
	return FamilyOf(mn.Addr)
}

// IsRoutable is false for loopback, private and link-local endpoints.
func (mn *Masternode) IsRoutable() bool {
	host, _, err := net.SplitHostPort(mn.Addr)
	if err != nil {
		return false
	}
	if strings.HasSuffix(host, ".onion") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified())
}

func (mn *Masternode) AddGovernanceHash(h [32]byte) {
	i := sort.Search(len(mn.Governance), func(i int) bool {
		return bytes.Compare(mn.Governance[i][:], h[:]) >= 0
	})
	if i < len(mn.Governance) && mn.Governance[i] == h {
		return
	}
	mn.Governance = append(mn.Governance, [32]byte{})
	copy(mn.Governance[i+1:], mn.Governance[i:])
	mn.Governance[i] = h
}

func (mn *Masternode) RemoveGovernanceHash(h [32]byte) bool {
	for i, g := range mn.Governance {
		if g == h {
			mn.Governance = append(mn.Governance[:i], mn.Governance[i+1:]...)
			return true
		}
	}
	return false
}

func (mn *Masternode) Clone() Masternode {
	out := *mn
	out.PubKeyCollateral = append(proto.HexBytes(nil), mn.PubKeyCollateral...)
	out.PubKeyOperator = append(proto.HexBytes(nil), mn.PubKeyOperator...)
	out.Governance = append([][32]byte(nil), mn.Governance...)
	return out
}

// Info is the flat copy-out view of an entry.
type Info struct {
	Outpoint         proto.Outpoint
	Addr             string
	PubKeyCollateral []byte
	PubKeyOperator   []byte
	ProtocolVersion  uint32
	SigTime          int64
	LastPingTime     int64
	State            State
	ActivatedAt      int64
	LastPaidHeight   int64
	LastPaidTime     int64
}

func (mn *Masternode) Info() Info {
	return Info{
		Outpoint:         mn.Outpoint,
		Addr:             mn.Addr,
		PubKeyCollateral: append([]byte(nil), mn.PubKeyCollateral...),
		PubKeyOperator:   append([]byte(nil), mn.PubKeyOperator...),
		ProtocolVersion:  mn.ProtocolVersion,
		SigTime:          mn.SigTime,
		LastPingTime:     mn.LastPing.SigTime,
		State:            mn.State,
		ActivatedAt:      mn.ActivatedAt,
		LastPaidHeight:   mn.LastPaidHeight,
		LastPaidTime:     mn.LastPaidTime,
	}
}

func FamilyOf(addr string) AddrFamily {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return FamilyUnknown
	}
	if strings.HasSuffix(host, ".onion") {
		return FamilyOnion
	}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return FamilyUnknown
	case ip.To4() != nil:
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}
