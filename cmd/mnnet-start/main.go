// Command mnnet-start announces a hot node from the wallet that holds its
// collateral. The hot node picks the announcement up and starts pinging.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"mnnet/internal/activenode"
	"mnnet/internal/chain"
	"mnnet/internal/config"
	"mnnet/internal/crypto"
	"mnnet/internal/debuglog"
	"mnnet/internal/masternode"
	"mnnet/internal/network"
	"mnnet/internal/proto"
	"mnnet/internal/registry"
	"mnnet/internal/wallet"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, network.NewClient()))
}

// pusher delivers the encoded announcement.
type pusher interface {
	Send(ctx context.Context, addr string, data []byte) error
}

func run(args []string, stdout, stderr io.Writer, out pusher) int {
	fs := flag.NewFlagSet("mnnet-start", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	endpoint := fs.String("endpoint", "", "hot node endpoint host:port")
	opKeyFile := fs.String("operator-key", "", "file holding the hot node's operator private key (hex)")
	vin := fs.String("vin", "", "collateral outpoint txid:index")
	peers := fs.String("peer", "", "comma separated peers to push the announcement to")
	dryRun := fs.Bool("dry-run", false, "build and validate only")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *endpoint == "" || *opKeyFile == "" || *vin == "" {
		fmt.Fprintln(stderr, "missing --endpoint, --operator-key or --vin")
		return 1
	}
	targets := splitList(*peers)
	if len(targets) == 0 && !*dryRun {
		fmt.Fprintln(stderr, "missing --peer")
		return 1
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	_ = debuglog.Init(cfg.Log)

	ref, err := proto.ParseOutpoint(*vin)
	if err != nil {
		fmt.Fprintf(stderr, "vin: %v\n", err)
		return 1
	}
	opHex, err := os.ReadFile(*opKeyFile)
	if err != nil {
		fmt.Fprintf(stderr, "operator key: %v\n", err)
		return 1
	}
	opPriv, err := crypto.ParsePrivHex(string(opHex))
	if err != nil {
		fmt.Fprintf(stderr, "operator key: %v\n", err)
		return 1
	}
	w, err := wallet.Open(cfg.WalletPath())
	if err != nil {
		fmt.Fprintf(stderr, "wallet: %v\n", err)
		return 1
	}
	if pass := os.Getenv("MNNET_WALLET_PASSPHRASE"); pass != "" {
		if err := w.Unlock(pass); err != nil {
			fmt.Fprintf(stderr, "wallet: %v\n", err)
			return 1
		}
	}
	if w.IsLocked() {
		fmt.Fprintln(stderr, "wallet is locked; set MNNET_WALLET_PASSPHRASE")
		return 1
	}

	view := chain.New(cfg.NetworkID())
	if cfg.ChainFeed != "" {
		if _, err := view.SyncFromFeed(cfg.ChainFeed); err != nil {
			fmt.Fprintf(stderr, "chain feed: %v\n", err)
			return 1
		}
	}
	node, err := activenode.New(activenode.Options{
		Config:   activenode.Config{Network: cfg.NetworkID(), OperatorPriv: opPriv},
		Wallet:   w,
		Chain:    view,
		Registry: registry.New(registry.Options{Network: cfg.NetworkID(), Chain: view}),
	})
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	b, err := node.CreateBroadcastFor(*endpoint, strings.TrimSpace(string(opHex)), ref)
	if err != nil {
		fmt.Fprintf(stderr, "create broadcast: %v\n", err)
		return 1
	}
	if _, err := masternode.CheckBroadcast(cfg.NetworkID(), b, time.Now()); err != nil {
		fmt.Fprintf(stderr, "announcement invalid: %v\n", err)
		return 1
	}
	hash := b.Hash()
	fmt.Fprintf(stdout, "mnb vin=%s addr=%s hash=%x\n", b.Outpoint, b.Addr, hash[:])
	if *dryRun {
		return 0
	}
	data, err := proto.EncodeEnvelope(proto.CmdBroadcast, b)
	if err != nil {
		fmt.Fprintf(stderr, "encode: %v\n", err)
		return 1
	}
	sent := 0
	for _, addr := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := out.Send(ctx, addr, data)
		cancel()
		if err != nil {
			fmt.Fprintf(stderr, "push to %s: %v\n", addr, err)
			continue
		}
		sent++
		fmt.Fprintf(stdout, "pushed to %s\n", addr)
	}
	if sent == 0 {
		return 1
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
