package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mnnet/internal/crypto"
	"mnnet/internal/proto"
	"mnnet/internal/wallet"
)

type recordPusher struct {
	sent map[string]proto.Envelope
	fail bool
}

func (p *recordPusher) Send(_ context.Context, addr string, data []byte) error {
	if p.fail {
		return errors.New("unreachable")
	}
	env, err := proto.DecodeEnvelope(data)
	if err != nil {
		return err
	}
	if p.sent == nil {
		p.sent = make(map[string]proto.Envelope)
	}
	p.sent[addr] = env
	return nil
}

const vinStr = "cdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcdcd:1"

// setup writes a regtest config, a wallet holding one collateral output
// and an operator key file.
func setup(t *testing.T) (cfgPath, opKeyPath string) {
	t.Helper()
	dir := t.TempDir()
	home := filepath.Join(dir, "home")
	cfgPath = filepath.Join(dir, "mnnet.yaml")
	if err := os.WriteFile(cfgPath, []byte("network: regtest\nhome: "+home+"\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MNNET_WALLET_PASSPHRASE", "pw")
	w, err := wallet.Open(filepath.Join(home, "wallet.json"))
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if err := w.Unlock("pw"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	op, err := proto.ParseOutpoint(vinStr)
	if err != nil {
		t.Fatalf("vin: %v", err)
	}
	_, collPriv, _ := crypto.GenKeypair()
	if err := w.AddOutput(op, wallet.CollateralAmount, collPriv); err != nil {
		t.Fatalf("add output: %v", err)
	}
	_, opPriv, _ := crypto.GenKeypair()
	opKeyPath = filepath.Join(dir, "op.hex")
	if err := os.WriteFile(opKeyPath, []byte(hex.EncodeToString(opPriv)+"\n"), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return cfgPath, opKeyPath
}

func TestStartPushesAnnouncement(t *testing.T) {
	cfg, key := setup(t)
	p := &recordPusher{}
	var out, errOut bytes.Buffer
	code := run([]string{"--config", cfg, "--endpoint", "203.0.113.5:19994", "--operator-key", key, "--vin", vinStr, "--peer", "198.51.100.1:19994, 198.51.100.2:19994"}, &out, &errOut, p)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if len(p.sent) != 2 {
		t.Fatalf("expected two pushes, got %d", len(p.sent))
	}
	env := p.sent["198.51.100.1:19994"]
	if env.Type != proto.CmdBroadcast {
		t.Fatalf("unexpected command %q", env.Type)
	}
	b, err := proto.DecodeBroadcast(env.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want, _ := proto.ParseOutpoint(vinStr)
	if b.Addr != "203.0.113.5:19994" || b.Outpoint != want {
		t.Fatalf("unexpected announcement %+v", b)
	}
}

func TestStartDryRunSendsNothing(t *testing.T) {
	cfg, key := setup(t)
	p := &recordPusher{}
	var out, errOut bytes.Buffer
	code := run([]string{"--config", cfg, "--endpoint", "203.0.113.5:19994", "--operator-key", key, "--vin", vinStr, "--dry-run"}, &out, &errOut, p)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if len(p.sent) != 0 || !strings.Contains(out.String(), "mnb vin=") {
		t.Fatalf("unexpected dry run result: sent=%d out=%q", len(p.sent), out.String())
	}
}

func TestStartRefusesReservedPort(t *testing.T) {
	cfg, key := setup(t)
	var out, errOut bytes.Buffer
	code := run([]string{"--config", cfg, "--endpoint", "203.0.113.5:9999", "--operator-key", key, "--vin", vinStr, "--dry-run"}, &out, &errOut, &recordPusher{})
	if code != 1 || !strings.Contains(errOut.String(), "only supported on mainnet") {
		t.Fatalf("expected port rule failure, got %d %q", code, errOut.String())
	}
}

func TestStartUnknownCollateral(t *testing.T) {
	cfg, key := setup(t)
	var out, errOut bytes.Buffer
	other := strings.Repeat("ef", 32) + ":0"
	code := run([]string{"--config", cfg, "--endpoint", "203.0.113.5:19994", "--operator-key", key, "--vin", other, "--dry-run"}, &out, &errOut, &recordPusher{})
	if code != 1 || !strings.Contains(errOut.String(), "could not allocate vin") {
		t.Fatalf("expected collateral failure, got %d %q", code, errOut.String())
	}
}

func TestStartAllPushesFail(t *testing.T) {
	cfg, key := setup(t)
	var out, errOut bytes.Buffer
	code := run([]string{"--config", cfg, "--endpoint", "203.0.113.5:19994", "--operator-key", key, "--vin", vinStr, "--peer", "198.51.100.1:19994"}, &out, &errOut, &recordPusher{fail: true})
	if code != 1 {
		t.Fatalf("expected failure when no push succeeds")
	}
}
