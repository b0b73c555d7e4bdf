package params

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type Network string

const (
	Main    Network = "main"
	Test    Network = "test"
	Regtest Network = "regtest"
)

const (
	ProtocolVersion         uint32 = 70208
	MinPeerProtocolVersion  uint32 = 70206
	MinPaymentsProtoVersion uint32 = 70208
)

const (
	MinPingInterval      = 10 * time.Minute
	MinBroadcastInterval = 5 * time.Minute
	PingInterval         = 5 * time.Minute
	ExpirationAge        = 65 * time.Minute
	RemovalAge           = 75 * time.Minute
	CheckInterval        = 5 * time.Second
	WatchdogMaxAge       = 120 * time.Minute
	TimestampTolerance   = time.Hour
	DsegInterval         = 3 * time.Hour
	DumpInterval         = 15 * time.Minute

	// Blocks behind the payment height whose hash seeds the payment tie-break.
	PaymentScoreDepth = 101
	// Seconds of broadcast age required per registered node when the
	// payment queue filters fresh announcements.
	PaymentAgePerNode = 156
)

var ErrInvalidPort = errors.New("invalid port")

type ChainParams struct {
	Network          Network
	DefaultPort      int
	MinConfirmations int
	// SkipSyncGate lets private test networks activate without a synced view.
	SkipSyncGate bool
}

var registry = map[Network]ChainParams{
	Main:    {Network: Main, DefaultPort: 9999, MinConfirmations: 15},
	Test:    {Network: Test, DefaultPort: 19999, MinConfirmations: 1},
	Regtest: {Network: Regtest, DefaultPort: 19994, MinConfirmations: 1, SkipSyncGate: true},
}

func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case Main, "":
		return Main, nil
	case Test, "testnet":
		return Test, nil
	case Regtest:
		return Regtest, nil
	default:
		return "", fmt.Errorf("unknown network: %s", s)
	}
}

func Params(n Network) ChainParams {
	if p, ok := registry[n]; ok {
		return p
	}
	return registry[Main]
}

// MainnetPort is the single port reserved for the primary network.
func MainnetPort() int {
	return registry[Main].DefaultPort
}

// CheckPort applies the reserved-port rule: the primary network accepts only
// MainnetPort, every other network rejects exactly that port.
func CheckPort(n Network, port int) error {
	reserved := MainnetPort()
	if n == Main {
		if port != reserved {
			return fmt.Errorf("%w: %d - only %d is supported on mainnet", ErrInvalidPort, port, reserved)
		}
		return nil
	}
	if port == reserved {
		return fmt.Errorf("%w: %d - %d is only supported on mainnet", ErrInvalidPort, port, reserved)
	}
	return nil
}

// CheckEndpoint parses host:port and applies CheckPort.
func CheckEndpoint(n Network, endpoint string) error {
	_, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("bad endpoint %q: %w", endpoint, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("bad endpoint port %q", endpoint)
	}
	return CheckPort(n, port)
}
