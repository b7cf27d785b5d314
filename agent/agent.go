// Package agent contains the participants of the payment network: a Peer
// that carries messages over a connection, a ChannelClient that runs the co-signing
// round trips of one channel over a peer, and an Owner that pays and is paid
// through its intermediary.
//
// The intermediary's side of the network is the hub package.
package agent

import (
	"context"
	"errors"
	"io"
	"io/ioutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stellar/starlight/scbridge/userop"
)

var (
	// ErrPeerTimeout indicates the remote participant did not reply to a
	// request in time.
	ErrPeerTimeout = errors.New("peer timeout")

	// ErrPeerRejected indicates the remote participant replied to a request
	// with an error.
	ErrPeerRejected = errors.New("peer rejected request")

	// ErrPeerClosed indicates the connection to the remote participant is
	// closed.
	ErrPeerClosed = errors.New("peer closed")
)

// ChannelStatus is the status of a channel's wallet contract.
type ChannelStatus uint8

const (
	ChannelStatusOpen       ChannelStatus = 0
	ChannelStatusChallenged ChannelStatus = 1
	ChannelStatusFinalized  ChannelStatus = 2
)

func (s ChannelStatus) String() string {
	switch s {
	case ChannelStatusOpen:
		return "open"
	case ChannelStatusChallenged:
		return "challenged"
	case ChannelStatusFinalized:
		return "finalized"
	}
	return "unknown"
}

// StatusGetter gets the status of a channel's wallet contract.
type StatusGetter interface {
	GetStatus(ctx context.Context) (ChannelStatus, error)
}

// L1Executor executes a fully signed user operation on the chain hosting a
// channel, returning the hash of the transaction that carried it.
type L1Executor interface {
	HandleOps(ctx context.Context, op userop.UserOperation) (common.Hash, error)
}

// Hydrator reads the on-chain configuration of a channel.
type Hydrator interface {
	Hydrate(ctx context.Context) (state.Config, error)
}

// NewLogger returns a logger writing to w. A nil writer discards.
func NewLogger(w io.Writer) *log.Entry {
	if w == nil {
		w = ioutil.Discard
	}
	l := log.New()
	l.SetOutput(w)
	return l
}

func loggerOrDiscard(l *log.Entry) *log.Entry {
	if l == nil {
		return NewLogger(nil)
	}
	return l
}
