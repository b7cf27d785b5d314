package agent

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/starlight/scbridge/invoice"
	"github.com/stellar/starlight/scbridge/state"
)

// ErrorEvent occurs when an error has occurred, and contains the error
// occurred.
type ErrorEvent struct {
	Err error
}

// HTLCAddedEvent occurs when a state adding an HTLC has been agreed on a
// channel.
type HTLCAddedEvent struct {
	Channel common.Address
	HTLC    state.HTLC
	State   state.SignedState
}

// HTLCUnlockedEvent occurs when a state unlocking an HTLC has been agreed on
// a channel.
type HTLCUnlockedEvent struct {
	Channel  common.Address
	Preimage state.Preimage
	State    state.SignedState
}

// InvoiceIssuedEvent occurs when an owner issues an invoice to a payer.
type InvoiceIssuedEvent struct {
	Invoice invoice.Invoice
}

// PaymentReceivedEvent occurs when an owner has claimed a payment of one of
// its invoices.
type PaymentReceivedEvent struct {
	HashLock common.Hash
	State    state.SignedState
}

// UserOperationRelayedEvent occurs when the intermediary has relayed a user
// operation.
type UserOperationRelayedEvent struct {
	Channel common.Address
	Hash    common.Hash
	TxHash  common.Hash
}

// StatusChangedEvent occurs when the status of a channel's wallet contract
// changes.
type StatusChangedEvent struct {
	Channel common.Address
	Before  ChannelStatus
	After   ChannelStatus
}
