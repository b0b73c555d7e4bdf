package proto

import (
	"bytes"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload, err := EncodeEnvelope(CmdListRequest, ListRequest{})
	if err != nil {
		t.Fatalf("encode envelope failed: %v", err)
	}
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
	env, err := DecodeEnvelope(got)
	if err != nil {
		t.Fatalf("decode envelope failed: %v", err)
	}
	if env.Type != CmdListRequest {
		t.Fatalf("unexpected type %q", env.Type)
	}
	req, err := DecodeListRequest(env.Payload)
	if err != nil || !req.Outpoint.IsZero() {
		t.Fatalf("expected full-list request, got %+v err=%v", req, err)
	}
}

func TestReadFrameTypeCap(t *testing.T) {
	big := strings.Repeat("a", SoftMaxFrameSize)
	payload := []byte(`{"type":"mnp","proto_version":"mnnet/1","payload":"` + big + `"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, TypeCap); err == nil {
		t.Fatalf("expected ping frame over cap to be rejected")
	}
	payload = []byte(`{"type":"mnlist","proto_version":"mnnet/1","payload":"` + big + `"}`)
	frame, _ = EncodeFrame(payload)
	if _, err := ReadFrameWithTypeCap(bytes.NewReader(frame), SoftMaxFrameSize, TypeCap); err != nil {
		t.Fatalf("expected list batch under cap: %v", err)
	}
}

func TestDecodeEnvelopeRejectsVersion(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"type":"mnb","proto_version":"other","payload":{}}`)); err == nil {
		t.Fatalf("expected version mismatch")
	}
	if _, err := DecodeEnvelope([]byte(`{"proto_version":"mnnet/1"}`)); err == nil {
		t.Fatalf("expected missing type error")
	}
}

func TestOutpointTextRoundTrip(t *testing.T) {
	var op Outpoint
	op.TxID[0] = 0xab
	op.Index = 7
	parsed, err := ParseOutpoint(op.String())
	if err != nil || parsed != op {
		t.Fatalf("parse failed: %v %v", parsed, err)
	}
	colon := strings.Replace(op.String(), "-", ":", 1)
	if parsed, err := ParseOutpoint(colon); err != nil || parsed != op {
		t.Fatalf("colon form failed: %v", err)
	}
	if _, err := ParseOutpoint("zz-1"); err == nil {
		t.Fatalf("expected bad txid")
	}
}

func TestBroadcastHashCommitsToPing(t *testing.T) {
	b := Broadcast{Addr: "1.2.3.4:9999", SigTime: 10, LastPing: Ping{SigTime: 10}}
	h1 := b.Hash()
	d1 := b.SigningDigest()
	b.LastPing.SigTime = 11
	if b.Hash() == h1 || b.SigningDigest() == d1 {
		t.Fatalf("expected embedded ping to change hash and digest")
	}
	b.LastPing.SigTime = 10
	b.Sig = HexBytes{1}
	if b.Hash() == h1 {
		t.Fatalf("expected signature to change content hash")
	}
	if b.SigningDigest() != d1 {
		t.Fatalf("signature must not affect signing digest")
	}
}
