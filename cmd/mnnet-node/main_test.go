package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mnnet/internal/crypto"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "mnnet-node") {
		t.Fatalf("expected help output to mention mnnet-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("unexpected stderr: %q", errOut.String())
	}
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mnnet.yaml")
	body := "network: regtest\nhome: " + filepath.Join(dir, "home") + "\nlisten: 127.0.0.1:0\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestStatusAndListOnEmptyHome(t *testing.T) {
	cfg := writeConfig(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--config", cfg}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "network: regtest") {
		t.Fatalf("unexpected status output: %q", out.String())
	}

	out.Reset()
	if code := run([]string{"list", "--config", cfg, "--json"}, &out, &errOut); code != 0 {
		t.Fatalf("list failed: %s", errOut.String())
	}
	var rows []listRow
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("list json: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty list, got %d rows", len(rows))
	}

	out.Reset()
	if code := run([]string{"payee", "--config", cfg}, &out, &errOut); code != 1 {
		t.Fatalf("expected no payee on empty registry")
	}
}

func TestKeygenWritesKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.hex")
	var out, errOut bytes.Buffer
	if code := run([]string{"keygen", "--out", path}, &out, &errOut); code != 0 {
		t.Fatalf("keygen failed: %s", errOut.String())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read key: %v", err)
	}
	priv, err := crypto.ParsePrivHex(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	pub, err := crypto.PubFromPriv(priv)
	if err != nil {
		t.Fatalf("pub: %v", err)
	}
	if !strings.Contains(out.String(), "pubkey=") || !strings.Contains(out.String(), hex.EncodeToString(pub)) {
		t.Fatalf("unexpected keygen output %q", out.String())
	}
	if code := run([]string{"keygen", "--out", path}, &out, &errOut); code != 1 {
		t.Fatalf("expected overwrite refused")
	}
}

func TestWalletAddRequiresPassphrase(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("MNNET_WALLET_PASSPHRASE", "")
	var out, errOut bytes.Buffer
	code := run([]string{"wallet", "add", "--config", cfg, "--vin", strings.Repeat("ab", 32) + ":0", "--key", "00"}, &out, &errOut)
	if code != 1 || !strings.Contains(errOut.String(), "MNNET_WALLET_PASSPHRASE") {
		t.Fatalf("expected passphrase error, got %d %q", code, errOut.String())
	}
}

func TestWalletAddAndList(t *testing.T) {
	cfg := writeConfig(t)
	t.Setenv("MNNET_WALLET_PASSPHRASE", "pw")
	_, priv, err := crypto.GenKeypair()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var out, errOut bytes.Buffer
	args := []string{"wallet", "add", "--config", cfg, "--vin", strings.Repeat("ab", 32) + ":0", "--key", hex.EncodeToString(priv)}
	if code := run(args, &out, &errOut); code != 0 {
		t.Fatalf("wallet add failed: %s", errOut.String())
	}
	out.Reset()
	if code := run([]string{"wallet", "list", "--config", cfg}, &out, &errOut); code != 0 {
		t.Fatalf("wallet list failed: %s", errOut.String())
	}
	if !strings.Contains(out.String(), "balance=100000000000") {
		t.Fatalf("unexpected balance line %q", out.String())
	}
}
