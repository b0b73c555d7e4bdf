package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mnnet/internal/store"
)

// Event is one registry change kept in the recent ring.
type Event struct {
	Kind     string    `json:"kind"`
	Outpoint string    `json:"vin"`
	At       time.Time `json:"at"`
}

type Snapshot struct {
	Instance       string            `json:"instance"`
	GeneratedAt    time.Time         `json:"generated_at"`
	Registry       RegistryMetrics   `json:"registry"`
	Gossip         GossipMetrics     `json:"gossip"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	Recent         []Event           `json:"recent"`
}

type RegistryMetrics struct {
	BroadcastAccepted  uint64 `json:"broadcast_accepted"`
	BroadcastRejected  uint64 `json:"broadcast_rejected"`
	BroadcastDuplicate uint64 `json:"broadcast_duplicate"`
	PingAccepted       uint64 `json:"ping_accepted"`
	PingRejected       uint64 `json:"ping_rejected"`
	PingDuplicate      uint64 `json:"ping_duplicate"`
	Evicted            uint64 `json:"evicted"`
	Entries            int64  `json:"entries"`
}

type GossipMetrics struct {
	Relayed      uint64 `json:"relayed"`
	ListServed   uint64 `json:"list_served"`
	ListRejected uint64 `json:"list_rejected"`
	Misbehaving  uint64 `json:"misbehaving"`
}

type Metrics struct {
	instance string

	broadcastAccepted  atomic.Uint64
	broadcastRejected  atomic.Uint64
	broadcastDuplicate atomic.Uint64
	pingAccepted       atomic.Uint64
	pingRejected       atomic.Uint64
	pingDuplicate      atomic.Uint64
	evicted            atomic.Uint64
	entries            atomic.Int64
	gossipRelayed      atomic.Uint64
	listServed         atomic.Uint64
	listRejected       atomic.Uint64
	misbehaving        atomic.Uint64
	currentConns       atomic.Int64
	currentStreams     atomic.Int64

	mu           sync.Mutex
	recvByType   map[string]uint64
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{
		instance:     uuid.NewString(),
		recvByType:   make(map[string]uint64),
		dropByReason: make(map[string]uint64),
		recent:       NewRecent(64),
	}
}

func (m *Metrics) Instance() string {
	return m.instance
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncBroadcastAccepted()  { m.broadcastAccepted.Add(1) }
func (m *Metrics) IncBroadcastRejected()  { m.broadcastRejected.Add(1) }
func (m *Metrics) IncBroadcastDuplicate() { m.broadcastDuplicate.Add(1) }
func (m *Metrics) IncPingAccepted()       { m.pingAccepted.Add(1) }
func (m *Metrics) IncPingRejected()       { m.pingRejected.Add(1) }
func (m *Metrics) IncPingDuplicate()      { m.pingDuplicate.Add(1) }
func (m *Metrics) IncGossipRelayed()      { m.gossipRelayed.Add(1) }
func (m *Metrics) IncListServed()         { m.listServed.Add(1) }
func (m *Metrics) IncListRejected()       { m.listRejected.Add(1) }
func (m *Metrics) IncMisbehaving()        { m.misbehaving.Add(1) }

func (m *Metrics) AddEvicted(n int) {
	if n > 0 {
		m.evicted.Add(uint64(n))
	}
}

func (m *Metrics) SetEntries(n int)        { m.entries.Store(int64(n)) }
func (m *Metrics) SetCurrentConns(n int)   { m.currentConns.Store(int64(n)) }
func (m *Metrics) SetCurrentStreams(n int) { m.currentStreams.Store(int64(n)) }

func (m *Metrics) IncRecvByType(msgType string) {
	if msgType == "" {
		msgType = "unknown"
	}
	m.mu.Lock()
	m.recvByType[msgType]++
	m.mu.Unlock()
}

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.mu.Lock()
	m.dropByReason[reason]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []Event{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByType))
	for k, v := range m.recvByType {
		recv[k] = v
	}
	drop := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drop[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		Instance:    m.instance,
		GeneratedAt: time.Now().UTC(),
		Registry: RegistryMetrics{
			BroadcastAccepted:  m.broadcastAccepted.Load(),
			BroadcastRejected:  m.broadcastRejected.Load(),
			BroadcastDuplicate: m.broadcastDuplicate.Load(),
			PingAccepted:       m.pingAccepted.Load(),
			PingRejected:       m.pingRejected.Load(),
			PingDuplicate:      m.pingDuplicate.Load(),
			Evicted:            m.evicted.Load(),
			Entries:            m.entries.Load(),
		},
		Gossip: GossipMetrics{
			Relayed:      m.gossipRelayed.Load(),
			ListServed:   m.listServed.Load(),
			ListRejected: m.listRejected.Load(),
			Misbehaving:  m.misbehaving.Load(),
		},
		RecvByType:     recv,
		DropByReason:   drop,
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data, 0600)
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 64
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}
