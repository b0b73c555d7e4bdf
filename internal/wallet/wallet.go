package wallet

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"mnnet/internal/crypto"
	"mnnet/internal/proto"
	"mnnet/internal/store"
)

const (
	Coin             int64 = 100_000_000
	CollateralAmount       = 1000 * Coin

	fileVersion = 1
	kdfLabel    = "mnnet:wallet:v1"
)

var (
	ErrWalletLocked  = errors.New("wallet is locked")
	ErrNoCollateral  = errors.New("no suitable collateral output")
	ErrBadPassphrase = errors.New("bad passphrase")
)

// Collateral is a spendable output together with the key that controls it.
type Collateral struct {
	Outpoint proto.Outpoint
	Amount   int64
	PubKey   []byte
	PrivKey  []byte
}

type output struct {
	Outpoint  proto.Outpoint `json:"vin"`
	Amount    int64          `json:"amount"`
	PubKey    proto.HexBytes `json:"pubkey"`
	Nonce     proto.HexBytes `json:"nonce"`
	SealedKey proto.HexBytes `json:"sealed_key"`
}

type file struct {
	Version int            `json:"version"`
	Salt    proto.HexBytes `json:"salt"`
	Outputs []output       `json:"outputs"`
}

// Wallet keeps collateral keys sealed under a passphrase-derived key.
type Wallet struct {
	mu     sync.Mutex
	path   string
	data   file
	key    []byte
	locked map[proto.Outpoint]struct{}
}

// Open loads path, creating an empty wallet file when it is missing.
func Open(path string) (*Wallet, error) {
	if path == "" {
		return nil, fmt.Errorf("missing path")
	}
	w := &Wallet{path: path, locked: make(map[proto.Outpoint]struct{})}
	raw, ok, err := store.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, err
		}
		w.data = file{Version: fileVersion, Salt: salt}
		return w, w.saveLocked()
	}
	if err := json.Unmarshal(raw, &w.data); err != nil {
		return nil, fmt.Errorf("decode wallet: %w", err)
	}
	if w.data.Version != fileVersion {
		return nil, fmt.Errorf("unsupported wallet version %d", w.data.Version)
	}
	return w, nil
}

func (w *Wallet) saveLocked() error {
	raw, err := json.MarshalIndent(w.data, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(w.path, raw, 0600)
}

func (w *Wallet) derive(passphrase string) []byte {
	return crypto.KDF(kdfLabel, []byte(passphrase), w.data.Salt)
}

// Unlock checks passphrase against the first sealed key and keeps the
// derived key in memory.
func (w *Wallet) Unlock(passphrase string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := w.derive(passphrase)
	if len(w.data.Outputs) > 0 {
		o := w.data.Outputs[0]
		if _, err := crypto.XOpen(key, o.Nonce, o.SealedKey, o.Outpoint.Bytes()); err != nil {
			return ErrBadPassphrase
		}
	}
	w.key = key
	return nil
}

func (w *Wallet) Lock() {
	w.mu.Lock()
	w.key = nil
	w.mu.Unlock()
}

func (w *Wallet) IsLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.key == nil
}

// AddOutput seals priv under the unlocked key and records the output.
func (w *Wallet) AddOutput(op proto.Outpoint, amount int64, priv []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.key == nil {
		return ErrWalletLocked
	}
	pub, err := crypto.PubFromPriv(priv)
	if err != nil {
		return err
	}
	nonce, ct, err := crypto.XSeal(w.key, priv, op.Bytes())
	if err != nil {
		return err
	}
	out := output{Outpoint: op, Amount: amount, PubKey: pub, Nonce: nonce, SealedKey: ct}
	for i := range w.data.Outputs {
		if w.data.Outputs[i].Outpoint == op {
			w.data.Outputs[i] = out
			return w.saveLocked()
		}
	}
	w.data.Outputs = append(w.data.Outputs, out)
	return w.saveLocked()
}

// RemoveOutput forgets a spent output.
func (w *Wallet) RemoveOutput(op proto.Outpoint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.data.Outputs {
		if w.data.Outputs[i].Outpoint == op {
			w.data.Outputs = append(w.data.Outputs[:i], w.data.Outputs[i+1:]...)
			delete(w.locked, op)
			_ = w.saveLocked()
			return true
		}
	}
	return false
}

// Balance sums every output, locked ones included.
func (w *Wallet) Balance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, o := range w.data.Outputs {
		total += o.Amount
	}
	return total
}

// SelectCollateral returns ref when given, otherwise the first output of
// exactly CollateralAmount.
func (w *Wallet) SelectCollateral(ref *proto.Outpoint) (Collateral, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.key == nil {
		return Collateral{}, ErrWalletLocked
	}
	for _, o := range w.data.Outputs {
		if ref != nil {
			if o.Outpoint != *ref {
				continue
			}
		} else if o.Amount != CollateralAmount {
			continue
		}
		priv, err := crypto.XOpen(w.key, o.Nonce, o.SealedKey, o.Outpoint.Bytes())
		if err != nil {
			return Collateral{}, fmt.Errorf("open key for %s: %w", o.Outpoint, err)
		}
		return Collateral{
			Outpoint: o.Outpoint,
			Amount:   o.Amount,
			PubKey:   append([]byte(nil), o.PubKey...),
			PrivKey:  priv,
		}, nil
	}
	if ref != nil {
		return Collateral{}, fmt.Errorf("%w: %s", ErrNoCollateral, ref)
	}
	return Collateral{}, ErrNoCollateral
}

// LockOutput marks op as activated collateral so it is not spent by accident.
func (w *Wallet) LockOutput(op proto.Outpoint) {
	w.mu.Lock()
	w.locked[op] = struct{}{}
	w.mu.Unlock()
}

// SpendableBalance excludes locked outputs.
func (w *Wallet) SpendableBalance() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total int64
	for _, o := range w.data.Outputs {
		if _, ok := w.locked[o.Outpoint]; !ok {
			total += o.Amount
		}
	}
	return total
}

func (w *Wallet) IsOutputLocked(op proto.Outpoint) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.locked[op]
	return ok
}
