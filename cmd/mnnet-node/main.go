package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mnnet/internal/config"
	"mnnet/internal/crypto"
	"mnnet/internal/daemon"
	"mnnet/internal/debuglog"
	"mnnet/internal/metrics"
	"mnnet/internal/params"
	"mnnet/internal/pprofutil"
	"mnnet/internal/proto"
	"mnnet/internal/store"
	"mnnet/internal/wallet"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "rank":
		return runRank(args[1:], stdout, stderr)
	case "payee":
		return runPayee(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "wallet":
		return runWallet(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: mnnet-node <run|status|list|rank|payee|keygen|wallet> [args]")
	fmt.Fprintln(w, "  run     [--config mnnet.yaml] [--debug]")
	fmt.Fprintln(w, "  status  [--config mnnet.yaml]")
	fmt.Fprintln(w, "  list    [--config mnnet.yaml] [--json]")
	fmt.Fprintln(w, "  rank    [--config mnnet.yaml] [--height N] [--min-proto V]")
	fmt.Fprintln(w, "  payee   [--config mnnet.yaml] [--height N]")
	fmt.Fprintln(w, "  keygen  --out <file>")
	fmt.Fprintln(w, "  wallet  add --vin <txid:index> --amount <coins> --key <hex> [--config mnnet.yaml]")
	fmt.Fprintln(w, "  wallet  list [--config mnnet.yaml]")
}

func loadConfig(path string, stderr io.Writer) (config.Config, bool) {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return config.Config{}, false
	}
	return cfg, true
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	if *debug {
		cfg.Log.Debug = true
	}
	if err := debuglog.Init(cfg.Log); err != nil {
		fmt.Fprintf(stderr, "log: %v\n", err)
		return 1
	}
	log := debuglog.Component("main")
	if _, err := pprofutil.StartFromEnv(log); err != nil {
		fmt.Fprintf(stderr, "pprof: %v\n", err)
		return 1
	}
	runner, err := daemon.NewRunner(daemon.Options{Config: cfg, Metrics: metrics.New()})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ready := make(chan string, 1)
	go func() {
		select {
		case addr := <-ready:
			fmt.Fprintf(stdout, "READY addr=%s network=%s instance=%s\n", addr, cfg.NetworkID(), runner.Metrics.Instance())
		case <-ctx.Done():
		}
	}()
	if err := runner.Run(ctx, ready); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

// offlineSender refuses to send; inspection commands never touch the network.
type offlineSender struct{}

func (offlineSender) Send(context.Context, string, []byte) error {
	return errors.New("offline")
}

// openOffline loads the persisted registry and chain feed without
// starting the network or the active node.
func openOffline(path string, stderr io.Writer) (*daemon.Runner, bool) {
	cfg, ok := loadConfig(path, stderr)
	if !ok {
		return nil, false
	}
	cfg.Masternode = false
	_ = debuglog.Init(debuglog.Config{Level: "warn"})
	runner, err := daemon.NewRunner(daemon.Options{Config: cfg, Sender: offlineSender{}})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return nil, false
	}
	if err := runner.LoadState(); err != nil {
		fmt.Fprintf(stderr, "load state failed: %v\n", err)
		return nil, false
	}
	return runner, true
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	runner, ok := openOffline(*cfgPath, stderr)
	if !ok {
		return 1
	}
	reg := runner.Registry
	fmt.Fprintln(stdout, "Local registry summary (not consensus):")
	fmt.Fprintf(stdout, "  network: %s\n", runner.Config.NetworkID())
	fmt.Fprintf(stdout, "  %s\n", reg.String())
	fmt.Fprintf(stdout, "  enabled (payments proto): %d\n", reg.CountEnabled(params.MinPaymentsProtoVersion))
	fmt.Fprintf(stdout, "  chain tip: %d synced=%v\n", runner.Chain.Height(), runner.Chain.IsSynced())
	fmt.Fprintf(stdout, "  watchdog active: %v\n", reg.IsWatchdogActive())
	if runner.Config.MetricsPath != "" {
		snap := readMetricsSnapshot(runner.Config.MetricsPath)
		fmt.Fprintf(stdout, "  mnb accepted=%d rejected=%d duplicate=%d\n",
			snap.Registry.BroadcastAccepted, snap.Registry.BroadcastRejected, snap.Registry.BroadcastDuplicate)
		fmt.Fprintf(stdout, "  mnp accepted=%d rejected=%d duplicate=%d\n",
			snap.Registry.PingAccepted, snap.Registry.PingRejected, snap.Registry.PingDuplicate)
		fmt.Fprintf(stdout, "  misbehaving reports: %d\n", snap.Gossip.Misbehaving)
	}
	return 0
}

type listRow struct {
	Outpoint       string `json:"vin"`
	Addr           string `json:"addr"`
	State          string `json:"state"`
	Protocol       uint32 `json:"protocol"`
	LastSeen       int64  `json:"last_seen"`
	LastPaidHeight int64  `json:"last_paid_height"`
	Rank           int    `json:"rank,omitempty"`
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	asJSON := fs.Bool("json", false, "json output")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	runner, ok := openOffline(*cfgPath, stderr)
	if !ok {
		return 1
	}
	var rows []listRow
	for _, mn := range runner.Registry.List() {
		rows = append(rows, listRow{
			Outpoint:       mn.Outpoint.String(),
			Addr:           mn.Addr,
			State:          mn.State.String(),
			Protocol:       mn.ProtocolVersion,
			LastSeen:       mn.LastPing.SigTime,
			LastPaidHeight: mn.LastPaidHeight,
		})
	}
	return printRows(stdout, rows, *asJSON)
}

func runRank(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rank", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	height := fs.Int64("height", -1, "block height (default chain tip)")
	minProto := fs.Uint("min-proto", 0, "minimum protocol version")
	asJSON := fs.Bool("json", false, "json output")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	runner, ok := openOffline(*cfgPath, stderr)
	if !ok {
		return 1
	}
	h := *height
	if h < 0 {
		h = runner.Chain.Height()
	}
	ranks := runner.Registry.GetMasternodeRanks(h, uint32(*minProto))
	if ranks == nil {
		fmt.Fprintf(stderr, "rank: no block hash at height %d\n", h)
		return 1
	}
	rows := make([]listRow, 0, len(ranks))
	for _, r := range ranks {
		mn := r.Masternode
		rows = append(rows, listRow{
			Rank:           r.Rank,
			Outpoint:       mn.Outpoint.String(),
			Addr:           mn.Addr,
			State:          mn.State.String(),
			Protocol:       mn.ProtocolVersion,
			LastSeen:       mn.LastPing.SigTime,
			LastPaidHeight: mn.LastPaidHeight,
		})
	}
	return printRows(stdout, rows, *asJSON)
}

func runPayee(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("payee", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	height := fs.Int64("height", -1, "payment height (default tip+1)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	runner, ok := openOffline(*cfgPath, stderr)
	if !ok {
		return 1
	}
	h := *height
	if h < 0 {
		h = runner.Chain.Height() + 1
	}
	mn, count, found := runner.Registry.GetNextMasternodeInQueueForPayment(h, true)
	if !found {
		fmt.Fprintf(stdout, "no eligible masternode at height %d\n", h)
		return 1
	}
	payee := mn.PayeeID()
	fmt.Fprintf(stdout, "height=%d vin=%s addr=%s payee=%s eligible=%d\n",
		h, mn.Outpoint, mn.Addr, hex.EncodeToString(payee[:]), count)
	return 0
}

func printRows(w io.Writer, rows []listRow, asJSON bool) int {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []listRow{}
		}
		if err := enc.Encode(rows); err != nil {
			return 1
		}
		return 0
	}
	for _, r := range rows {
		prefix := ""
		if r.Rank > 0 {
			prefix = fmt.Sprintf("%4d ", r.Rank)
		}
		lastSeen := "-"
		if r.LastSeen > 0 {
			lastSeen = time.Unix(r.LastSeen, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s%s %s %s proto=%d last_seen=%s last_paid=%d\n",
			prefix, r.Outpoint, r.Addr, r.State, r.Protocol, lastSeen, r.LastPaidHeight)
	}
	return 0
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	out := fs.String("out", "", "file to write the private key (hex)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *out == "" {
		fmt.Fprintln(stderr, "missing --out")
		return 1
	}
	if _, err := os.Stat(*out); err == nil {
		fmt.Fprintf(stderr, "refusing to overwrite %s\n", *out)
		return 1
	}
	pub, priv, err := crypto.GenKeypair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	if err := store.WriteFileAtomic(*out, []byte(hex.EncodeToString(priv)+"\n"), 0600); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "pubkey=%s\n", hex.EncodeToString(pub))
	return 0
}

func runWallet(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: mnnet-node wallet <add|list> [args]")
		return 0
	}
	fs := flag.NewFlagSet("wallet "+args[0], flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file (yaml)")
	vin := fs.String("vin", "", "collateral outpoint txid:index")
	amount := fs.Int64("amount", wallet.CollateralAmount/wallet.Coin, "output amount in coins")
	keyHex := fs.String("key", "", "collateral private key (hex)")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	cfg, ok := loadConfig(*cfgPath, stderr)
	if !ok {
		return 1
	}
	w, err := wallet.Open(cfg.WalletPath())
	if err != nil {
		fmt.Fprintf(stderr, "wallet: %v\n", err)
		return 1
	}
	switch args[0] {
	case "list":
		fmt.Fprintf(stdout, "balance=%d spendable=%d\n", w.Balance(), w.SpendableBalance())
		return 0
	case "add":
		pass := os.Getenv("MNNET_WALLET_PASSPHRASE")
		if pass == "" {
			fmt.Fprintln(stderr, "MNNET_WALLET_PASSPHRASE must be set")
			return 1
		}
		op, err := proto.ParseOutpoint(*vin)
		if err != nil {
			fmt.Fprintf(stderr, "vin: %v\n", err)
			return 1
		}
		priv, err := crypto.ParsePrivHex(strings.TrimSpace(*keyHex))
		if err != nil {
			fmt.Fprintf(stderr, "key: %v\n", err)
			return 1
		}
		if err := w.Unlock(pass); err != nil {
			fmt.Fprintf(stderr, "wallet: %v\n", err)
			return 1
		}
		if err := w.AddOutput(op, *amount*wallet.Coin, priv); err != nil {
			fmt.Fprintf(stderr, "wallet: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "added %s\n", op)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown wallet subcommand: %s\n", args[0])
		return 1
	}
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
