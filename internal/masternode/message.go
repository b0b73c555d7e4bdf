package masternode

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"mnnet/internal/crypto"
	"mnnet/internal/params"
	"mnnet/internal/proto"
)

var (
	ErrBadSignature    = errors.New("bad signature")
	ErrFutureTimestamp = errors.New("timestamp too far in the future")
	ErrStaleTimestamp  = errors.New("timestamp too far in the past")
	ErrBadKey          = errors.New("bad public key")
	ErrProtocolTooOld  = errors.New("protocol version too old")
	ErrPingMismatch    = errors.New("embedded ping does not match announcement")
)

// Misbehavior scores attached to rejected messages.
const (
	DosTimestamp      = 1
	DosListFlood      = 34
	DosPingSignature  = 33
	DosCollateralSwap = 33
	DosMalformed      = 100
)

// NewPing signs {identity key, timestamp} with the operator key.
func NewPing(op proto.Outpoint, operatorPriv []byte, now time.Time) (proto.Ping, error) {
	p := proto.Ping{Outpoint: op, SigTime: now.Unix()}
	digest := p.Hash()
	sig, err := crypto.SignDigest(operatorPriv, digest[:])
	if err != nil {
		return proto.Ping{}, fmt.Errorf("sign ping %s: %w", op, err)
	}
	p.Sig = sig
	return p, nil
}

func VerifyPing(p proto.Ping, operatorPub []byte) error {
	digest := p.Hash()
	if !crypto.Verify(operatorPub, digest[:], p.Sig) {
		return fmt.Errorf("ping %s: %w", p.Outpoint, ErrBadSignature)
	}
	return nil
}

// CheckTimestamp enforces the future-skew and staleness window around now.
func CheckTimestamp(sigTime int64, now time.Time) error {
	tol := int64(params.TimestampTolerance / time.Second)
	if sigTime > now.Unix()+tol {
		return ErrFutureTimestamp
	}
	if sigTime <= now.Unix()-tol {
		return ErrStaleTimestamp
	}
	return nil
}

type BroadcastParams struct {
	Network         params.Network
	Outpoint        proto.Outpoint
	Addr            string
	CollateralPriv  []byte
	OperatorPriv    []byte
	ProtocolVersion uint32
	Now             time.Time
}

// NewBroadcast builds and signs an announcement with a fresh embedded ping.
// The reserved-port rule is applied here as well as on receipt.
func NewBroadcast(p BroadcastParams) (proto.Broadcast, error) {
	if err := params.CheckEndpoint(p.Network, p.Addr); err != nil {
		return proto.Broadcast{}, err
	}
	collPub, err := crypto.PubFromPriv(p.CollateralPriv)
	if err != nil {
		return proto.Broadcast{}, fmt.Errorf("collateral key: %w", err)
	}
	opPub, err := crypto.PubFromPriv(p.OperatorPriv)
	if err != nil {
		return proto.Broadcast{}, fmt.Errorf("operator key: %w", err)
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ping, err := NewPing(p.Outpoint, p.OperatorPriv, now)
	if err != nil {
		return proto.Broadcast{}, err
	}
	version := p.ProtocolVersion
	if version == 0 {
		version = params.ProtocolVersion
	}
	b := proto.Broadcast{
		Outpoint:         p.Outpoint,
		Addr:             p.Addr,
		PubKeyCollateral: collPub,
		PubKeyOperator:   opPub,
		ProtocolVersion:  version,
		SigTime:          now.Unix(),
		LastPing:         ping,
	}
	digest := b.SigningDigest()
	sig, err := crypto.SignDigest(p.CollateralPriv, digest[:])
	if err != nil {
		return proto.Broadcast{}, fmt.Errorf("sign broadcast %s: %w", p.Outpoint, err)
	}
	b.Sig = sig
	return b, nil
}

func VerifyBroadcast(b proto.Broadcast) error {
	digest := b.SigningDigest()
	if !crypto.Verify(b.PubKeyCollateral, digest[:], b.Sig) {
		return fmt.Errorf("broadcast %s: %w", b.Outpoint, ErrBadSignature)
	}
	return nil
}

// CheckBroadcast runs the stateless admission checks and returns the
// misbehavior score to charge the sender on failure. The embedded ping is
// held to its signature and future skew only; its age drives status.
func CheckBroadcast(n params.Network, b proto.Broadcast, now time.Time) (int, error) {
	if b.ProtocolVersion < params.MinPeerProtocolVersion {
		return 0, fmt.Errorf("%w: %d", ErrProtocolTooOld, b.ProtocolVersion)
	}
	if !crypto.IsPublicKey(b.PubKeyCollateral) || !crypto.IsPublicKey(b.PubKeyOperator) {
		return DosMalformed, ErrBadKey
	}
	if err := params.CheckEndpoint(n, b.Addr); err != nil {
		return 0, err
	}
	if err := CheckTimestamp(b.SigTime, now); errors.Is(err, ErrFutureTimestamp) {
		return DosTimestamp, err
	}
	if err := VerifyBroadcast(b); err != nil {
		return DosMalformed, err
	}
	if b.LastPing.IsZero() {
		return 0, fmt.Errorf("%w: missing ping", ErrPingMismatch)
	}
	if b.LastPing.Outpoint != b.Outpoint {
		return DosMalformed, ErrPingMismatch
	}
	if err := CheckTimestamp(b.LastPing.SigTime, now); errors.Is(err, ErrFutureTimestamp) {
		return DosTimestamp, err
	}
	if err := VerifyPing(b.LastPing, b.PubKeyOperator); err != nil {
		return DosPingSignature, err
	}
	return 0, nil
}

// SameOperator reports whether the broadcast keeps the entry's operator key.
func SameOperator(mn *Masternode, b proto.Broadcast) bool {
	return bytes.Equal(mn.PubKeyOperator, b.PubKeyOperator)
}
