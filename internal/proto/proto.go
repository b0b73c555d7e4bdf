// internal/proto/proto.go
package proto

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	WireVersion = "mnnet/1"

	CmdBroadcast   = "mnb"
	CmdPing        = "mnp"
	CmdListRequest = "dseg"
	CmdListBatch   = "mnlist"
)

var ErrBadOutpoint = errors.New("bad outpoint")

// HexBytes renders as lowercase hex in JSON and YAML.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(string(b))
	if err != nil {
		return err
	}
	*h = raw
	return nil
}

func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}

// Outpoint references the funding output that collateralizes a node. It is
// the registry primary key.
type Outpoint struct {
	TxID  [32]byte `json:"txid"`
	Index uint32   `json:"index"`
}

func (o Outpoint) IsZero() bool {
	return o == Outpoint{}
}

func (o Outpoint) Bytes() []byte {
	b := make([]byte, 36)
	copy(b, o.TxID[:])
	binary.BigEndian.PutUint32(b[32:], o.Index)
	return b
}

func (o Outpoint) String() string {
	return hex.EncodeToString(o.TxID[:]) + "-" + strconv.FormatUint(uint64(o.Index), 10)
}

func (o Outpoint) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outpoint) UnmarshalText(b []byte) error {
	p, err := ParseOutpoint(string(b))
	if err != nil {
		return err
	}
	*o = p
	return nil
}

// Less orders outpoints by their serialized bytes.
func (o Outpoint) Less(other Outpoint) bool {
	for i := range o.TxID {
		if o.TxID[i] != other.TxID[i] {
			return o.TxID[i] < other.TxID[i]
		}
	}
	return o.Index < other.Index
}

// ParseOutpoint accepts "txid-index" or "txid:index".
func ParseOutpoint(s string) (Outpoint, error) {
	s = strings.TrimSpace(s)
	sep := strings.LastIndexAny(s, "-:")
	if sep <= 0 {
		return Outpoint{}, fmt.Errorf("%w: %q", ErrBadOutpoint, s)
	}
	raw, err := hex.DecodeString(s[:sep])
	if err != nil || len(raw) != 32 {
		return Outpoint{}, fmt.Errorf("%w: txid %q", ErrBadOutpoint, s[:sep])
	}
	idx, err := strconv.ParseUint(s[sep+1:], 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("%w: index %q", ErrBadOutpoint, s[sep+1:])
	}
	var o Outpoint
	copy(o.TxID[:], raw)
	o.Index = uint32(idx)
	return o, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendInt64(b []byte, v int64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	return append(b, tmp[:]...)
}

func appendVar(b []byte, v []byte) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(v)))
	b = append(b, tmp[:]...)
	return append(b, v...)
}
