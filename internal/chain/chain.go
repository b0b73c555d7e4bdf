package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"mnnet/internal/params"
	"mnnet/internal/proto"
	"mnnet/internal/store"
)

var ErrOutOfOrder = errors.New("block does not extend tip")

type Hash [32]byte

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != len(h) {
		return fmt.Errorf("bad block hash length %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}

// Payment records the node paid by a connected block.
type Payment struct {
	Height int64
	Time   int64
	Payee  [20]byte
}

// Block is the subset of a connected block the registry consumes. It is
// also the record format of the JSONL chain feed.
type Block struct {
	Height  int64            `json:"height"`
	Hash    Hash             `json:"hash"`
	Time    int64            `json:"time"`
	Payee   proto.HexBytes   `json:"payee,omitempty"`
	Outputs []proto.Outpoint `json:"outputs,omitempty"`
	Spends  []proto.Outpoint `json:"spends,omitempty"`
}

// View is an in-memory chain-state collaborator fed by the embedding process.
type View struct {
	mu      sync.RWMutex
	params  params.ChainParams
	synced  bool
	tip     int64
	hashes  map[int64]Hash
	outputs map[proto.Outpoint]int64

	cbMu      sync.Mutex
	onSpend   []func(proto.Outpoint)
	onPayment []func(Payment)
}

func New(n params.Network) *View {
	return &View{
		params:  params.Params(n),
		tip:     -1,
		hashes:  make(map[int64]Hash),
		outputs: make(map[proto.Outpoint]int64),
	}
}

func (v *View) SetSynced(synced bool) {
	v.mu.Lock()
	v.synced = synced
	v.mu.Unlock()
}

func (v *View) IsSynced() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.synced
}

func (v *View) Height() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tip
}

func (v *View) BlockHash(height int64) ([32]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	h, ok := v.hashes[height]
	return h, ok
}

func (v *View) MinConfirmations() int {
	return v.params.MinConfirmations
}

// AddOutput registers an unspent output mined at height.
func (v *View) AddOutput(op proto.Outpoint, height int64) {
	v.mu.Lock()
	v.outputs[op] = height
	v.mu.Unlock()
}

// Confirmations is tip-height+1, or ok=false for unknown or spent outputs.
func (v *View) Confirmations(op proto.Outpoint) (int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	h, ok := v.outputs[op]
	if !ok || v.tip < h {
		return 0, ok
	}
	return int(v.tip - h + 1), true
}

func (v *View) OnSpend(fn func(proto.Outpoint)) {
	v.cbMu.Lock()
	v.onSpend = append(v.onSpend, fn)
	v.cbMu.Unlock()
}

func (v *View) OnPayment(fn func(Payment)) {
	v.cbMu.Lock()
	v.onPayment = append(v.onPayment, fn)
	v.cbMu.Unlock()
}

// ConnectBlock extends the tip. Callbacks run after the view is updated
// and outside its lock.
func (v *View) ConnectBlock(b Block) error {
	v.mu.Lock()
	if v.tip >= 0 && b.Height != v.tip+1 {
		tip := v.tip
		v.mu.Unlock()
		return fmt.Errorf("%w: height %d tip %d", ErrOutOfOrder, b.Height, tip)
	}
	v.tip = b.Height
	v.hashes[b.Height] = b.Hash
	for _, op := range b.Outputs {
		v.outputs[op] = b.Height
	}
	for _, op := range b.Spends {
		delete(v.outputs, op)
	}
	v.mu.Unlock()

	v.cbMu.Lock()
	spendFns := append([]func(proto.Outpoint){}, v.onSpend...)
	payFns := append([]func(Payment){}, v.onPayment...)
	v.cbMu.Unlock()

	for _, op := range b.Spends {
		for _, fn := range spendFns {
			fn(op)
		}
	}
	if len(b.Payee) == 20 {
		p := Payment{Height: b.Height, Time: b.Time}
		copy(p.Payee[:], b.Payee)
		for _, fn := range payFns {
			fn(p)
		}
	}
	return nil
}

// SyncFromFeed connects every feed record above the current tip and marks
// the view synced once the feed has been read.
func (v *View) SyncFromFeed(path string) (int, error) {
	var blocks []Block
	if err := store.ReadJSONL(path, func(b Block) { blocks = append(blocks, b) }); err != nil {
		return 0, err
	}
	n := 0
	for _, b := range blocks {
		if b.Height <= v.Height() {
			continue
		}
		if err := v.ConnectBlock(b); err != nil {
			return n, err
		}
		n++
	}
	v.SetSynced(true)
	return n, nil
}
