package peer

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mnnet/internal/store"
)

const (
	DefaultCap          = 512
	DefaultTTL          = 3 * time.Hour
	DefaultLoadLimit    = 512
	DefaultBanThreshold = 100
	DefaultBanDuration  = 24 * time.Hour
)

var (
	ErrAddrBanned  = errors.New("addr banned")
	ErrAddrInvalid = errors.New("addr invalid")
)

// Peer is a gossip endpoint. Identity is the host:port string.
type Peer struct {
	Addr         string
	SubnetKey    string
	LastSeenUnix int64
	FailCount    int
}

type Options struct {
	Cap          int
	TTL          time.Duration
	LoadLimit    int
	BanThreshold int
	BanDuration  time.Duration
	Now          func() time.Time
}

// Store is an LRU address book with per-host misbehavior scores. Bans are
// keyed by host so a peer cannot escape one by changing port.
type Store struct {
	mu           sync.Mutex
	path         string
	cap          int
	ttl          time.Duration
	banThreshold int
	banDuration  time.Duration
	now          func() time.Time
	hot          map[string]*list.Element
	order        *list.List
	scores       map[string]int
	banned       map[string]time.Time
}

type entry struct {
	peer      Peer
	expiresAt time.Time
}

type diskPeer struct {
	Addr        string `json:"addr"`
	LastSeen    int64  `json:"last_seen,omitempty"`
	BannedUntil int64  `json:"banned_until,omitempty"`
}

func NewStore(path string, opts Options) (*Store, error) {
	capacity := opts.Cap
	if capacity <= 0 {
		capacity = DefaultCap
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	loadLimit := opts.LoadLimit
	if loadLimit < 0 {
		loadLimit = 0
	} else if loadLimit == 0 {
		loadLimit = capacity
	}
	threshold := opts.BanThreshold
	if threshold <= 0 {
		threshold = DefaultBanThreshold
	}
	banFor := opts.BanDuration
	if banFor <= 0 {
		banFor = DefaultBanDuration
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
	}
	s := &Store{
		path:         path,
		cap:          capacity,
		ttl:          ttl,
		banThreshold: threshold,
		banDuration:  banFor,
		now:          now,
		hot:          make(map[string]*list.Element),
		order:        list.New(),
		scores:       make(map[string]int),
		banned:       make(map[string]time.Time),
	}
	if path != "" && loadLimit > 0 {
		if err := s.loadLast(loadLimit); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Upsert records addr as recently seen.
func (s *Store) Upsert(addr string, persist bool) error {
	if hostForAddr(addr) == "" {
		return fmt.Errorf("%w: %q", ErrAddrInvalid, addr)
	}
	s.mu.Lock()
	now := s.now()
	s.pruneLocked(now)
	if s.isBannedLocked(addr, now) {
		s.mu.Unlock()
		return ErrAddrBanned
	}
	s.touchLocked(addr, now)
	s.mu.Unlock()
	if !persist || s.path == "" {
		return nil
	}
	return store.AppendJSONL(s.path, diskPeer{Addr: addr, LastSeen: now.Unix()})
}

func (s *Store) touchLocked(addr string, now time.Time) *entry {
	if el, ok := s.hot[addr]; ok {
		ent := el.Value.(*entry)
		ent.peer.LastSeenUnix = now.Unix()
		ent.expiresAt = now.Add(s.ttl)
		s.order.MoveToFront(el)
		return ent
	}
	if s.cap > 0 && len(s.hot) >= s.cap {
		s.evictLocked(len(s.hot) - s.cap + 1)
	}
	ent := &entry{
		peer:      Peer{Addr: addr, SubnetKey: SubnetKeyForAddr(addr), LastSeenUnix: now.Unix()},
		expiresAt: now.Add(s.ttl),
	}
	s.hot[addr] = s.order.PushFront(ent)
	return ent
}

// MarkFailed counts a failed dial. Peers with more failures are evicted first.
func (s *Store) MarkFailed(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.hot[addr]; ok {
		el.Value.(*entry).peer.FailCount++
	}
}

// List returns peers most recently seen first.
func (s *Store) List() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	out := make([]Peer, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*entry).peer)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	return len(s.hot)
}

// Misbehaving adds score to the host of addr and bans it once the total
// reaches the threshold. It reports whether the host is now banned.
func (s *Store) Misbehaving(addr string, score int) bool {
	host := hostForAddr(addr)
	if host == "" || score <= 0 {
		return false
	}
	s.mu.Lock()
	now := s.now()
	if s.isBannedLocked(addr, now) {
		s.mu.Unlock()
		return true
	}
	s.scores[host] += score
	if s.scores[host] < s.banThreshold {
		s.mu.Unlock()
		return false
	}
	until := now.Add(s.banDuration)
	s.banned[host] = until
	delete(s.scores, host)
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		ent := el.Value.(*entry)
		if hostForAddr(ent.peer.Addr) == host {
			delete(s.hot, ent.peer.Addr)
			s.order.Remove(el)
		}
		el = next
	}
	s.mu.Unlock()
	if s.path != "" {
		_ = store.AppendJSONL(s.path, diskPeer{Addr: addr, BannedUntil: until.Unix()})
	}
	return true
}

func (s *Store) Score(addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[hostForAddr(addr)]
}

func (s *Store) IsBanned(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBannedLocked(addr, s.now())
}

func (s *Store) isBannedLocked(addr string, now time.Time) bool {
	host := hostForAddr(addr)
	until, ok := s.banned[host]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(s.banned, host)
		return false
	}
	return true
}

// EvictToMax trims the book to limit entries, first enforcing perSubnet
// (0 disables it), then dropping the peers with the most failures and
// the oldest sightings.
func (s *Store) EvictToMax(limit int, perSubnet int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(s.now())
	evicted := 0
	if perSubnet > 0 {
		bySubnet := make(map[string][]*entry)
		for el := s.order.Front(); el != nil; el = el.Next() {
			ent := el.Value.(*entry)
			if ent.peer.SubnetKey == "" {
				continue
			}
			bySubnet[ent.peer.SubnetKey] = append(bySubnet[ent.peer.SubnetKey], ent)
		}
		for _, group := range bySubnet {
			if len(group) <= perSubnet {
				continue
			}
			sortWorstFirst(group)
			for _, ent := range group[:len(group)-perSubnet] {
				s.removeLocked(ent.peer.Addr)
				evicted++
			}
		}
	}
	if limit <= 0 || len(s.hot) <= limit {
		return evicted
	}
	all := make([]*entry, 0, len(s.hot))
	for el := s.order.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*entry))
	}
	sortWorstFirst(all)
	for _, ent := range all[:len(all)-limit] {
		s.removeLocked(ent.peer.Addr)
		evicted++
	}
	return evicted
}

func sortWorstFirst(ents []*entry) {
	sort.SliceStable(ents, func(i, j int) bool {
		a, b := ents[i].peer, ents[j].peer
		if a.FailCount != b.FailCount {
			return a.FailCount > b.FailCount
		}
		return a.LastSeenUnix < b.LastSeenUnix
	})
}

func (s *Store) removeLocked(addr string) {
	if el, ok := s.hot[addr]; ok {
		delete(s.hot, addr)
		s.order.Remove(el)
	}
}

func (s *Store) pruneLocked(now time.Time) {
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		ent := el.Value.(*entry)
		if ent.expiresAt.After(now) {
			el = prev
			continue
		}
		delete(s.hot, ent.peer.Addr)
		s.order.Remove(el)
		el = prev
	}
}

func (s *Store) evictLocked(n int) {
	for n > 0 {
		el := s.order.Back()
		if el == nil {
			return
		}
		delete(s.hot, el.Value.(*entry).peer.Addr)
		s.order.Remove(el)
		n--
	}
}

func (s *Store) loadLast(limit int) error {
	records, err := store.ReadLastN[diskPeer](s.path, limit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, rec := range records {
		if hostForAddr(rec.Addr) == "" {
			continue
		}
		if rec.BannedUntil > 0 {
			if until := time.Unix(rec.BannedUntil, 0); until.After(now) {
				s.banned[hostForAddr(rec.Addr)] = until
			}
			continue
		}
		if s.isBannedLocked(rec.Addr, now) {
			continue
		}
		ent := s.touchLocked(rec.Addr, now)
		if rec.LastSeen > 0 {
			ent.peer.LastSeenUnix = rec.LastSeen
		}
	}
	// bans recorded after a sighting must still drop it
	for host := range s.banned {
		for el := s.order.Front(); el != nil; {
			next := el.Next()
			if hostForAddr(el.Value.(*entry).peer.Addr) == host {
				s.removeLocked(el.Value.(*entry).peer.Addr)
			}
			el = next
		}
	}
	return nil
}

// SubnetKeyForAddr is the /24 of an IPv4 peer, empty otherwise.
func SubnetKeyForAddr(addr string) string {
	ip := net.ParseIP(hostForAddr(addr))
	if ip == nil {
		return ""
	}
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return host
}
