package activenode

import (
	"fmt"

	"mnnet/internal/proto"
)

// Status is the local node's activation state. The concrete types carry
// their own reason payload.
type Status interface {
	Name() string
	Message() string
	isStatus()
}

type SyncInProgress struct{}

type Initial struct{}

type InputTooNew struct {
	Outpoint      proto.Outpoint
	Confirmations int
	Required      int
}

type NotCapable struct {
	Reason string
}

type Started struct{}

func (SyncInProgress) Name() string { return "SYNC_IN_PROGRESS" }
func (Initial) Name() string        { return "INITIAL" }
func (InputTooNew) Name() string    { return "INPUT_TOO_NEW" }
func (NotCapable) Name() string     { return "NOT_CAPABLE" }
func (Started) Name() string        { return "STARTED" }

func (SyncInProgress) Message() string {
	return "Sync in progress. Must wait until sync is complete to start Masternode"
}

func (Initial) Message() string { return "Node just started, not yet activated" }

func (s InputTooNew) Message() string {
	return fmt.Sprintf("Masternode input must have at least %d confirmations", s.Required)
}

// Reason is the detail logged alongside the message.
func (s InputTooNew) Reason() string {
	return fmt.Sprintf("%s - %d confirmations", s.Message(), s.Confirmations)
}

func (s NotCapable) Message() string { return "Not capable masternode: " + s.Reason }

func (Started) Message() string { return "Masternode successfully started" }

func (SyncInProgress) isStatus() {}
func (Initial) isStatus()        {}
func (InputTooNew) isStatus()    {}
func (NotCapable) isStatus()     {}
func (Started) isStatus()        {}

const (
	reasonWalletLocked = "Wallet is locked."
	reasonHotNode      = "Hot node, waiting for remote activation."
	reasonNoAddr       = "Can't detect external address. Please use the masternodeaddr configuration option."
	reasonNoCoins      = "Could not find suitable coins!"
	reasonNotListed    = "Masternode List doesn't include our Masternode, shutting down Masternode pinging service!"
)
