// Package agenttest contains helpers for testing participants of the payment
// network in-process, with channels linked over in-memory connections.
package agenttest

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/agent/msg"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stretchr/testify/require"
)

// Clock is a settable clock safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at the time.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MustGenerateKey generates a key, failing the test on error.
func MustGenerateKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// LinkConfig configures a channel linked by NewLink.
type LinkConfig struct {
	Address common.Address
	Chain   chains.ChainID

	TotalFunds          int64
	IntermediaryBalance int64

	// OwnerKey and IntermediaryKey are generated if nil.
	OwnerKey        *ecdsa.PrivateKey
	IntermediaryKey *ecdsa.PrivateKey

	// HTLCTimeout defaults to one minute.
	HTLCTimeout time.Duration

	// Clock is shared by both sides of the channel. It defaults to a clock
	// stopped at an arbitrary time.
	Clock *Clock

	Logger *log.Entry
}

// Link is both sides of a channel, each with its channel client. The clients'
// peers are connected to each other and not started.
type Link struct {
	OwnerKey        *ecdsa.PrivateKey
	IntermediaryKey *ecdsa.PrivateKey
	Owner           *agent.ChannelClient
	Intermediary    *agent.ChannelClient
	Clock           *Clock
}

// NewLink creates both sides of a channel connected over a net.Pipe. The
// peers are closed when the test finishes.
func NewLink(t testing.TB, c LinkConfig) Link {
	t.Helper()
	if c.OwnerKey == nil {
		c.OwnerKey = MustGenerateKey(t)
	}
	if c.IntermediaryKey == nil {
		c.IntermediaryKey = MustGenerateKey(t)
	}
	if c.HTLCTimeout == 0 {
		c.HTLCTimeout = time.Minute
	}
	if c.Clock == nil {
		c.Clock = NewClock(time.Unix(1_700_000_000, 0))
	}

	newChannel := func(key *ecdsa.PrivateKey) *state.Channel {
		ch, err := state.NewChannel(state.Config{
			ChannelAddress:      c.Address,
			Chain:               c.Chain,
			Owner:               crypto.PubkeyToAddress(c.OwnerKey.PublicKey),
			Intermediary:        crypto.PubkeyToAddress(c.IntermediaryKey.PublicKey),
			TotalFunds:          big.NewInt(c.TotalFunds),
			IntermediaryBalance: big.NewInt(c.IntermediaryBalance),
			Signer:              key,
			HTLCTimeout:         c.HTLCTimeout,
			Now:                 c.Clock.Now,
		})
		require.NoError(t, err)
		return ch
	}

	ownerConn, intermediaryConn := net.Pipe()
	ownerPeer := agent.NewPeer(agent.PeerConfig{Name: "intermediary", Conn: ownerConn, Logger: c.Logger})
	intermediaryPeer := agent.NewPeer(agent.PeerConfig{Name: "owner", Conn: intermediaryConn, Logger: c.Logger})
	t.Cleanup(func() {
		ownerPeer.Close()
		intermediaryPeer.Close()
	})

	return Link{
		OwnerKey:        c.OwnerKey,
		IntermediaryKey: c.IntermediaryKey,
		Owner: agent.NewChannelClient(agent.ChannelClientConfig{
			Channel: newChannel(c.OwnerKey),
			Peer:    ownerPeer,
			Logger:  c.Logger,
		}),
		Intermediary: agent.NewChannelClient(agent.ChannelClientConfig{
			Channel: newChannel(c.IntermediaryKey),
			Peer:    intermediaryPeer,
			Logger:  c.Logger,
		}),
		Clock: c.Clock,
	}
}

// NewPeers returns two started peers connected over a net.Pipe, handled by
// the handlers. The peers are closed when the test finishes.
func NewPeers(t testing.TB, a, b agent.Handler) (*agent.Peer, *agent.Peer) {
	t.Helper()
	connA, connB := net.Pipe()
	peerA := agent.NewPeer(agent.PeerConfig{Name: "b", Conn: connA})
	peerB := agent.NewPeer(agent.PeerConfig{Name: "a", Conn: connB})
	t.Cleanup(func() {
		peerA.Close()
		peerB.Close()
	})
	require.NoError(t, peerA.Start(a))
	require.NoError(t, peerB.Start(b))
	return peerA, peerB
}

// Reject is a handler rejecting every request.
var Reject = agent.HandlerFunc(func(p *agent.Peer, m msg.Message) error {
	return p.Reject(m, errors.New("rejected"))
})
