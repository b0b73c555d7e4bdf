package proto

import (
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	MaxBroadcastSize = 4 << 10
	MaxPingSize      = 1 << 10
	MaxListBatchSize = 512 << 10
)

const (
	pingDomain      = "mnnet:mnp:v1"
	broadcastDomain = "mnnet:mnb:v1"
)

// Ping is a liveness heartbeat signed by the operator key.
type Ping struct {
	Outpoint Outpoint `json:"vin"`
	SigTime  int64    `json:"sig_time"`
	Sig      HexBytes `json:"sig"`
}

func (p Ping) IsZero() bool {
	return p.Outpoint.IsZero() && p.SigTime == 0 && len(p.Sig) == 0
}

// PingDigest is the value the operator key signs; it also keys the seen-ping cache.
func PingDigest(op Outpoint, sigTime int64) [32]byte {
	buf := make([]byte, 0, len(pingDomain)+36+8)
	buf = append(buf, pingDomain...)
	buf = append(buf, op.Bytes()...)
	buf = appendInt64(buf, sigTime)
	return sha3.Sum256(buf)
}

func (p Ping) Hash() [32]byte {
	return PingDigest(p.Outpoint, p.SigTime)
}

// Broadcast announces a node. Sig is made by the collateral key over
// SigningDigest, which commits to the embedded ping.
type Broadcast struct {
	Outpoint         Outpoint `json:"vin"`
	Addr             string   `json:"addr"`
	PubKeyCollateral HexBytes `json:"pubkey_collateral"`
	PubKeyOperator   HexBytes `json:"pubkey_operator"`
	ProtocolVersion  uint32   `json:"protocol_version"`
	SigTime          int64    `json:"sig_time"`
	Sig              HexBytes `json:"sig"`
	LastPing         Ping     `json:"last_ping"`
}

func (b Broadcast) signingBytes() []byte {
	ping := b.LastPing.Hash()
	buf := make([]byte, 0, len(broadcastDomain)+2+len(b.Addr)+36+2*35+4+8+32+2+len(b.LastPing.Sig))
	buf = append(buf, broadcastDomain...)
	buf = appendVar(buf, []byte(b.Addr))
	buf = append(buf, b.Outpoint.Bytes()...)
	buf = appendVar(buf, b.PubKeyCollateral)
	buf = appendVar(buf, b.PubKeyOperator)
	buf = appendUint32(buf, b.ProtocolVersion)
	buf = appendInt64(buf, b.SigTime)
	buf = append(buf, ping[:]...)
	buf = appendVar(buf, b.LastPing.Sig)
	return buf
}

func (b Broadcast) SigningDigest() [32]byte {
	return sha3.Sum256(b.signingBytes())
}

// Hash is the content hash used by the seen-broadcast cache.
func (b Broadcast) Hash() [32]byte {
	buf := b.signingBytes()
	buf = appendVar(buf, b.Sig)
	return sha3.Sum256(buf)
}

// ListRequest asks a peer for its registry. A zero Outpoint requests the
// full list.
type ListRequest struct {
	Outpoint Outpoint `json:"vin"`
}

type ListBatch struct {
	Broadcasts []Broadcast `json:"broadcasts"`
	Pings      []Ping      `json:"pings,omitempty"`
	Count      int         `json:"count"`
}

// Envelope carries one command on the wire. From is the sender's listen
// address; receivers only trust it when its host matches the connection.
type Envelope struct {
	Type    string          `json:"type"`
	Version string          `json:"proto_version"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func EncodeEnvelope(cmd string, payload any) ([]byte, error) {
	return EncodeEnvelopeFrom(cmd, "", payload)
}

func EncodeEnvelopeFrom(cmd, from string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: cmd, Version: WireVersion, From: from, Payload: raw})
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing msg type")
	}
	if env.Version != WireVersion {
		return Envelope{}, fmt.Errorf("unsupported proto_version: %s", env.Version)
	}
	return env, nil
}

func DecodeBroadcast(data []byte) (Broadcast, error) {
	var b Broadcast
	if len(data) > MaxBroadcastSize {
		return Broadcast{}, fmt.Errorf("broadcast too large")
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return Broadcast{}, err
	}
	return b, nil
}

func DecodePing(data []byte) (Ping, error) {
	var p Ping
	if len(data) > MaxPingSize {
		return Ping{}, fmt.Errorf("ping too large")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Ping{}, err
	}
	return p, nil
}

func DecodeListRequest(data []byte) (ListRequest, error) {
	var r ListRequest
	if len(data) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return ListRequest{}, err
	}
	return r, nil
}

func DecodeListBatch(data []byte) (ListBatch, error) {
	var l ListBatch
	if len(data) > MaxListBatchSize {
		return ListBatch{}, fmt.Errorf("list batch too large")
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return ListBatch{}, err
	}
	return l, nil
}

// TypeCap bounds frame size per command for ReadFrameWithTypeCap.
func TypeCap(msgType string) int {
	switch msgType {
	case CmdBroadcast:
		return MaxBroadcastSize + 256
	case CmdPing, CmdListRequest:
		return MaxPingSize + 256
	case CmdListBatch:
		return MaxListBatchSize + 256
	default:
		return SoftMaxFrameSize
	}
}
