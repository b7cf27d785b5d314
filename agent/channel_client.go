package agent

import (
	"context"
	"fmt"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent/msg"
	"github.com/stellar/starlight/scbridge/invoice"
	"github.com/stellar/starlight/scbridge/state"
	"golang.org/x/sync/semaphore"
)

// DefaultConfirmTimeout is the time a client waits for a round trip in
// progress on its channel to finish before rejecting a proposal from the
// peer. It is shorter than DefaultRequestTimeout so that a proposer is
// rejected before its own request times out.
const DefaultConfirmTimeout = 5 * time.Second

// ChannelClientConfig contains the information that can be supplied to
// configure the ChannelClient at construction.
type ChannelClientConfig struct {
	Channel *state.Channel
	Peer    *Peer

	// ConfirmTimeout defaults to DefaultConfirmTimeout.
	ConfirmTimeout time.Duration

	// Metrics defaults to the global metrics.
	Metrics *metrics.Metrics

	Logger *log.Entry

	Events chan<- interface{}
}

// ChannelClient runs the co-signing round trips of a channel with the remote
// participant of the channel.
//
// Every round trip on the channel, proposed locally or by the peer, holds the
// channel's update lock from the moment the next state is built until it is
// committed. Two states for the same turn are therefore never both signed.
type ChannelClient struct {
	channel        *state.Channel
	peer           *Peer
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *log.Entry
	events         chan<- interface{}

	update *semaphore.Weighted
}

func NewChannelClient(c ChannelClientConfig) *ChannelClient {
	client := &ChannelClient{
		channel:        c.Channel,
		peer:           c.Peer,
		confirmTimeout: c.ConfirmTimeout,
		metrics:        c.Metrics,
		logger: loggerOrDiscard(c.Logger).WithFields(log.F{
			"channel": c.Channel.Address().Hex(),
			"role":    c.Channel.MyRole().String(),
		}),
		events: c.Events,
		update: semaphore.NewWeighted(1),
	}
	if client.confirmTimeout == 0 {
		client.confirmTimeout = DefaultConfirmTimeout
	}
	return client
}

func (c *ChannelClient) Channel() *state.Channel {
	return c.channel
}

func (c *ChannelClient) Peer() *Peer {
	return c.peer
}

// Address returns the address of the channel's wallet contract.
func (c *ChannelClient) Address() common.Address {
	return c.channel.Address()
}

func (c *ChannelClient) Logger() *log.Entry {
	return c.logger
}

func (c *ChannelClient) incrCommit(kind string) {
	key := []string{"channel", "commit"}
	labels := []metrics.Label{
		{Name: "chain", Value: fmt.Sprint(c.channel.Chain())},
		{Name: "kind", Value: kind},
	}
	if c.metrics != nil {
		c.metrics.IncrCounterWithLabels(key, 1, labels)
	} else {
		metrics.IncrCounterWithLabels(key, 1, labels)
	}
}

// AddParams are the parameters of a proposal to add an HTLC.
type AddParams struct {
	// Target is the channel the payment is destined for.
	Target  common.Address
	Invoice invoice.Invoice

	// Forwarded selects the single window timelock of a forwarded leg.
	Forwarded bool

	// Check, if set, is called with the proposed HTLC before it is sent. An
	// error aborts the proposal.
	Check func(h state.HTLC) error
}

// ProposeAdd proposes a state adding an HTLC for the invoice that pays the
// remote participant, waits for its signature, and commits the state.
func (c *ChannelClient) ProposeAdd(ctx context.Context, p AddParams) (state.SignedState, error) {
	err := c.update.Acquire(ctx, 1)
	if err != nil {
		return state.SignedState{}, fmt.Errorf("acquiring channel update lock: %w", err)
	}
	defer c.update.Release(1)

	var proposal state.SignedState
	if p.Forwarded {
		proposal, err = c.channel.AddForwardedHTLC(p.Invoice.Amount, p.Invoice.HashLock)
	} else {
		proposal, err = c.channel.AddHTLC(p.Invoice.Amount, p.Invoice.HashLock)
	}
	if err != nil {
		return state.SignedState{}, fmt.Errorf("proposing htlc %s: %w", p.Invoice.HashLock, err)
	}
	htlc := proposal.State.HTLCs[len(proposal.State.HTLCs)-1]
	if p.Check != nil {
		err = p.Check(htlc)
		if err != nil {
			return state.SignedState{}, err
		}
	}

	logger := c.logger.WithFields(log.F{"turn": proposal.State.TurnNum, "hash": htlc.HashLock.Hex()})
	logger.Infof("proposing htlc of %s to %s", htlc.Amount, htlc.Beneficiary)
	reply, err := c.peer.Request(ctx, msg.Message{
		Type: msg.TypeForwardPayment,
		ForwardPayment: &msg.ForwardPayment{
			Target:       p.Target,
			Invoice:      p.Invoice,
			Timelock:     htlc.Timelock,
			UpdatedState: proposal,
		},
	})
	if err != nil {
		return state.SignedState{}, err
	}
	committed, err := c.commit(proposal, reply)
	if err != nil {
		return state.SignedState{}, err
	}
	logger.Info("htlc added")
	c.incrCommit("add")
	if c.events != nil {
		c.events <- HTLCAddedEvent{Channel: c.Address(), HTLC: htlc, State: committed}
	}
	return committed, nil
}

// ProposeUnlock proposes a state unlocking the HTLC the preimage matches,
// waits for the remote participant's signature, and commits the state.
func (c *ChannelClient) ProposeUnlock(ctx context.Context, preimage state.Preimage) (state.SignedState, error) {
	err := c.update.Acquire(ctx, 1)
	if err != nil {
		return state.SignedState{}, fmt.Errorf("acquiring channel update lock: %w", err)
	}
	defer c.update.Release(1)

	proposal, err := c.channel.UnlockHTLC(preimage)
	if err != nil {
		return state.SignedState{}, fmt.Errorf("proposing unlock of %s: %w", preimage.HashLock(), err)
	}
	logger := c.logger.WithFields(log.F{"turn": proposal.State.TurnNum, "hash": preimage.HashLock().Hex()})
	logger.Info("proposing unlock")
	reply, err := c.peer.Request(ctx, msg.Message{
		Type: msg.TypeUnlockHTLC,
		UnlockHTLC: &msg.UnlockHTLC{
			Preimage:     preimage,
			UpdatedState: proposal,
		},
	})
	if err != nil {
		return state.SignedState{}, err
	}
	committed, err := c.commit(proposal, reply)
	if err != nil {
		return state.SignedState{}, err
	}
	logger.Info("htlc unlocked")
	c.incrCommit("unlock")
	if c.events != nil {
		c.events <- HTLCUnlockedEvent{Channel: c.Address(), Preimage: preimage, State: committed}
	}
	return committed, nil
}

func (c *ChannelClient) commit(proposal state.SignedState, reply msg.Message) (state.SignedState, error) {
	if reply.Type != msg.TypeSignature || reply.Signature == nil {
		return state.SignedState{}, fmt.Errorf("unexpected %s reply to proposal of turn %d", reply.Type, proposal.State.TurnNum)
	}
	committed, err := c.channel.Commit(proposal, reply.Signature.Signature)
	if err != nil {
		return state.SignedState{}, fmt.Errorf("committing turn %d: %w", proposal.State.TurnNum, err)
	}
	return committed, nil
}

// acquireForConfirm takes the update lock for a proposal received from the
// peer, waiting at most the confirm timeout.
func (c *ChannelClient) acquireForConfirm(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	err := c.update.Acquire(ctx, 1)
	if err != nil {
		return fmt.Errorf("channel busy with another update: %w", err)
	}
	return nil
}

// ConfirmAdd checks and countersigns the add proposed in the forward payment
// request, commits it, and replies to the peer with the local signature. Any
// failure is replied to the peer as a rejection.
func (c *ChannelClient) ConfirmAdd(ctx context.Context, req msg.Message) (state.SignedState, error) {
	if req.ForwardPayment == nil {
		return state.SignedState{}, fmt.Errorf("%s message has no forward payment", req.Type)
	}
	committed, err := c.confirm(ctx, req, func() (state.SignedState, error) {
		return c.channel.ConfirmAddHTLC(req.ForwardPayment.UpdatedState)
	})
	if err != nil {
		return state.SignedState{}, err
	}
	htlc := committed.State.HTLCs[len(committed.State.HTLCs)-1]
	c.logger.WithFields(log.F{"turn": committed.State.TurnNum, "hash": htlc.HashLock.Hex()}).
		Infof("confirmed htlc of %s to %s", htlc.Amount, htlc.Beneficiary)
	c.incrCommit("add")
	if c.events != nil {
		c.events <- HTLCAddedEvent{Channel: c.Address(), HTLC: htlc, State: committed}
	}
	return committed, nil
}

// ConfirmUnlock checks and countersigns the unlock proposed in the request,
// commits it, and replies to the peer with the local signature. Any failure
// is replied to the peer as a rejection.
func (c *ChannelClient) ConfirmUnlock(ctx context.Context, req msg.Message) (state.SignedState, error) {
	if req.UnlockHTLC == nil {
		return state.SignedState{}, fmt.Errorf("%s message has no unlock", req.Type)
	}
	preimage := req.UnlockHTLC.Preimage
	committed, err := c.confirm(ctx, req, func() (state.SignedState, error) {
		return c.channel.ConfirmUnlockHTLC(preimage, req.UnlockHTLC.UpdatedState)
	})
	if err != nil {
		return state.SignedState{}, err
	}
	c.logger.WithFields(log.F{"turn": committed.State.TurnNum, "hash": preimage.HashLock().Hex()}).Info("confirmed unlock")
	c.incrCommit("unlock")
	if c.events != nil {
		c.events <- HTLCUnlockedEvent{Channel: c.Address(), Preimage: preimage, State: committed}
	}
	return committed, nil
}

func (c *ChannelClient) confirm(ctx context.Context, req msg.Message, f func() (state.SignedState, error)) (state.SignedState, error) {
	err := c.acquireForConfirm(ctx)
	if err != nil {
		_ = c.peer.Reject(req, err)
		return state.SignedState{}, err
	}
	defer c.update.Release(1)

	committed, err := f()
	if err != nil {
		_ = c.peer.Reject(req, err)
		return state.SignedState{}, fmt.Errorf("confirming %s: %w", req.Type, err)
	}
	err = c.peer.Reply(req, msg.Message{
		Type:      msg.TypeSignature,
		Signature: &msg.Signature{Signature: committed.Signature(c.channel.MyRole())},
	})
	if err != nil {
		return state.SignedState{}, fmt.Errorf("replying to %s: %w", req.Type, err)
	}
	return committed, nil
}
