// Package hub contains the intermediary of the payment network. A Hub holds
// the intermediary's side of every channel it is a participant of, and
// forwards payments received on one channel to the owner of another.
//
// A payment from owner A to owner B moves through the hub in two legs:
//
//	A --ForwardPayment--> hub                 inbound leg added, hub acks
//	                      hub --ForwardPayment--> B   outbound leg added
//	                      hub <--UnlockHTLC------ B   outbound leg unlocked
//	A <--UnlockHTLC------ hub                 inbound leg unlocked
//
// The outbound leg expires before the inbound leg, so the hub always has time
// to claim the inbound leg with the preimage revealed on the outbound leg.
package hub

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/agent/msg"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/invoice"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stellar/starlight/scbridge/userop"
)

var (
	// ErrTargetNotFound indicates no channel is registered with the hub at
	// the target address of a payment.
	ErrTargetNotFound = errors.New("target channel not found")

	// ErrTimelockTooShort indicates the outbound leg of a payment would not
	// expire before its inbound leg.
	ErrTimelockTooShort = errors.New("outbound timelock not before inbound timelock")
)

// Config contains the information that can be supplied to configure the Hub
// at construction.
type Config struct {
	// Registry is used to convert invoices between the chains of channels.
	Registry *chains.Registry

	// Executors relay user operations of owners, per chain. Operations on
	// chains without an executor are rejected.
	Executors map[chains.ChainID]agent.L1Executor

	// EntryPoint is the entry point contract user operations are relayed
	// through.
	EntryPoint common.Address

	// Metrics defaults to the global metrics.
	Metrics *metrics.Metrics

	Logger *log.Entry

	Events chan<- interface{}
}

// Hub is the intermediary of a set of channels. It is safe for concurrent use.
type Hub struct {
	registry   *chains.Registry
	executors  map[chains.ChainID]agent.L1Executor
	entryPoint common.Address
	metrics    *metrics.Metrics
	logger     *log.Entry
	events     chan<- interface{}

	// mu is a lock for the registered clients.
	mu        sync.RWMutex
	clients   []*agent.ChannelClient
	byAddress map[common.Address]*agent.ChannelClient
}

func New(c Config) *Hub {
	h := &Hub{
		registry:   c.Registry,
		executors:  c.Executors,
		entryPoint: c.EntryPoint,
		metrics:    c.Metrics,
		logger:     c.Logger,
		events:     c.Events,
		byAddress:  map[common.Address]*agent.ChannelClient{},
	}
	if h.registry == nil {
		h.registry = chains.Default()
	}
	if h.logger == nil {
		h.logger = agent.NewLogger(nil)
	}
	return h
}

// Register adds the client of a channel the hub is the intermediary of, and
// starts handling the messages of the channel's owner on the client's peer.
func (h *Hub) Register(client *agent.ChannelClient) error {
	if client.Channel().MyRole() != state.ParticipantIntermediary {
		return fmt.Errorf("channel %s: local participant is not the intermediary", client.Address().Hex())
	}
	h.mu.Lock()
	if _, ok := h.byAddress[client.Address()]; ok {
		h.mu.Unlock()
		return fmt.Errorf("channel %s already registered", client.Address().Hex())
	}
	h.clients = append(h.clients, client)
	h.byAddress[client.Address()] = client
	h.mu.Unlock()

	h.logger.WithFields(log.F{
		"channel": client.Address().Hex(),
		"chain":   uint64(client.Channel().Chain()),
	}).Info("channel registered")
	return client.Peer().Start(agent.HandlerFunc(func(p *agent.Peer, m msg.Message) error {
		return h.handle(client, p, m)
	}))
}

// Clients returns the registered clients in registration order.
func (h *Hub) Clients() []*agent.ChannelClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*agent.ChannelClient, len(h.clients))
	copy(clients, h.clients)
	return clients
}

// Channels returns the registered channels in registration order.
func (h *Hub) Channels() []*state.Channel {
	clients := h.Clients()
	channels := make([]*state.Channel, len(clients))
	for i, c := range clients {
		channels[i] = c.Channel()
	}
	return channels
}

// Client returns the client of the channel at the address.
func (h *Hub) Client(address common.Address) (*agent.ChannelClient, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byAddress[address]
	return c, ok
}

func (h *Hub) incr(labels []metrics.Label, key ...string) {
	if h.metrics != nil {
		h.metrics.IncrCounterWithLabels(key, 1, labels)
	} else {
		metrics.IncrCounterWithLabels(key, 1, labels)
	}
}

func chainLabel(id chains.ChainID) metrics.Label {
	return metrics.Label{Name: "chain", Value: fmt.Sprint(uint64(id))}
}

// ForwardHTLC adds the outbound leg of a payment on the target channel, with
// the invoice converted to the target channel's chain. The outbound leg must
// expire before the inbound leg's timelock.
func (h *Hub) ForwardHTLC(ctx context.Context, req msg.ForwardPayment, inboundTimelock uint64) (state.SignedState, error) {
	ss, err := h.forwardHTLC(ctx, req, inboundTimelock)
	labels := []metrics.Label{chainLabel(req.Invoice.Chain)}
	if err != nil {
		h.incr(labels, "hub", "forward", "failed")
		return state.SignedState{}, err
	}
	h.incr(labels, "hub", "forward", "ok")
	return ss, nil
}

func (h *Hub) forwardHTLC(ctx context.Context, req msg.ForwardPayment, inboundTimelock uint64) (state.SignedState, error) {
	target, ok := h.Client(req.Target)
	if !ok {
		return state.SignedState{}, fmt.Errorf("forwarding to %s: %w", req.Target.Hex(), ErrTargetNotFound)
	}
	inv, err := invoice.Convert(h.registry, req.Invoice, target.Channel().Chain())
	if err != nil {
		return state.SignedState{}, fmt.Errorf("forwarding to %s: %w", req.Target.Hex(), err)
	}
	h.logger.WithFields(log.F{
		"hash":   inv.HashLock.Hex(),
		"target": req.Target.Hex(),
	}).Infof("forwarding %s on chain %d as %s on chain %d", req.Invoice.Amount, req.Invoice.Chain, inv.Amount, inv.Chain)
	return target.ProposeAdd(ctx, agent.AddParams{
		Target:    req.Target,
		Invoice:   inv,
		Forwarded: true,
		Check: func(htlc state.HTLC) error {
			if htlc.Timelock >= inboundTimelock {
				return fmt.Errorf("outbound timelock %d, inbound timelock %d: %w", htlc.Timelock, inboundTimelock, ErrTimelockTooShort)
			}
			return nil
		},
	})
}

// UnlockHTLC claims the HTLC paying the intermediary that the preimage
// unlocks, on whichever registered channel holds it.
func (h *Hub) UnlockHTLC(ctx context.Context, preimage state.Preimage) (state.SignedState, error) {
	ss, err := h.unlockHTLC(ctx, preimage)
	if err != nil {
		h.incr(nil, "hub", "unlock", "failed")
		return state.SignedState{}, err
	}
	h.incr(nil, "hub", "unlock", "ok")
	return ss, nil
}

func (h *Hub) unlockHTLC(ctx context.Context, preimage state.Preimage) (state.SignedState, error) {
	for _, c := range h.Clients() {
		if !paysIntermediary(c.Channel(), preimage) {
			continue
		}
		return c.ProposeUnlock(ctx, preimage)
	}
	return state.SignedState{}, claimNotFoundError{hashLock: preimage.HashLock()}
}

// claimNotFoundError indicates no registered channel holds an HTLC paying
// the intermediary for a preimage. It is both ErrTargetNotFound and
// state.ErrHTLCNotFound.
type claimNotFoundError struct {
	hashLock common.Hash
}

func (e claimNotFoundError) Error() string {
	return fmt.Sprintf("claiming %s: %v: %v", e.hashLock.Hex(), ErrTargetNotFound, state.ErrHTLCNotFound)
}

func (e claimNotFoundError) Is(target error) bool {
	return target == ErrTargetNotFound || target == state.ErrHTLCNotFound
}

func paysIntermediary(c *state.Channel, preimage state.Preimage) bool {
	for _, hashLock := range []common.Hash{preimage.HashLock(), preimage.LightningHashLock()} {
		htlc, ok := c.HTLC(hashLock)
		if ok && htlc.Beneficiary == state.ParticipantIntermediary {
			return true
		}
	}
	return false
}

func (h *Hub) handle(client *agent.ChannelClient, p *agent.Peer, m msg.Message) error {
	switch m.Type {
	case msg.TypeForwardPayment:
		return h.handleForwardPayment(client, p, m)
	case msg.TypeUnlockHTLC:
		return h.handleUnlockHTLC(client, m)
	case msg.TypeUserOperation:
		return h.handleUserOperation(client, p, m)
	}
	return p.Reject(m, fmt.Errorf("unsupported message type %s", m.Type))
}

// checkForwardPayment checks the request is one the hub can forward before
// the inbound leg is acked.
func (h *Hub) checkForwardPayment(client *agent.ChannelClient, fp *msg.ForwardPayment) error {
	target, ok := h.Client(fp.Target)
	if !ok {
		return fmt.Errorf("forwarding to %s: %w", fp.Target.Hex(), ErrTargetNotFound)
	}
	if fp.Target == client.Address() {
		return errors.New("payment targets the channel it is paid on")
	}
	err := fp.Invoice.Validate()
	if err != nil {
		return err
	}
	if fp.Invoice.Chain != client.Channel().Chain() {
		return fmt.Errorf("invoice on chain %d paid on channel on chain %d", fp.Invoice.Chain, client.Channel().Chain())
	}
	htlcs := fp.UpdatedState.State.HTLCs
	if len(htlcs) == 0 {
		return fmt.Errorf("proposed state has no htlc: %w", state.ErrInvalidStateUpdate)
	}
	htlc := htlcs[len(htlcs)-1]
	if htlc.HashLock != fp.Invoice.HashLock || htlc.Amount == nil || htlc.Amount.Cmp(fp.Invoice.Amount) != 0 || htlc.Timelock != fp.Timelock {
		return fmt.Errorf("proposed htlc does not pay the invoice: %w", state.ErrInvalidStateUpdate)
	}
	return checkOutbound(h.registry, target, fp.Invoice)
}

// checkOutbound checks the invoice converts to a payable amount the
// intermediary's balance on the target channel covers.
func checkOutbound(r *chains.Registry, target *agent.ChannelClient, inv invoice.Invoice) error {
	converted, err := invoice.Convert(r, inv, target.Channel().Chain())
	if err != nil {
		return fmt.Errorf("forwarding to %s: %w", target.Address().Hex(), err)
	}
	if converted.Amount.Sign() <= 0 {
		return fmt.Errorf("forwarding to %s: %s on chain %d converts to %s on chain %d", target.Address().Hex(), inv.Amount, inv.Chain, converted.Amount, converted.Chain)
	}
	_, balance, err := target.Channel().Balances()
	if err != nil {
		return fmt.Errorf("forwarding to %s: %w", target.Address().Hex(), err)
	}
	if balance.Cmp(converted.Amount) < 0 {
		return fmt.Errorf("forwarding %s to %s with balance %s: %w", converted.Amount, target.Address().Hex(), balance, state.ErrInsufficientBalance)
	}
	return nil
}

func (h *Hub) handleForwardPayment(client *agent.ChannelClient, p *agent.Peer, m msg.Message) error {
	fp := m.ForwardPayment
	if fp == nil {
		return p.Reject(m, errors.New("missing forward payment"))
	}
	err := h.checkForwardPayment(client, fp)
	if err != nil {
		_ = p.Reject(m, err)
		return err
	}
	ctx := context.Background()
	inbound, err := client.ConfirmAdd(ctx, m)
	if err != nil {
		return err
	}
	htlc := inbound.State.HTLCs[len(inbound.State.HTLCs)-1]
	_, err = h.ForwardHTLC(ctx, *fp, htlc.Timelock)
	if err != nil {
		h.emitError(fmt.Errorf("forwarding htlc %s from %s: %w", htlc.HashLock.Hex(), client.Address().Hex(), err))
	}
	return nil
}

func (h *Hub) handleUnlockHTLC(client *agent.ChannelClient, m msg.Message) error {
	_, err := client.ConfirmUnlock(context.Background(), m)
	if err != nil {
		return err
	}
	preimage := m.UnlockHTLC.Preimage
	_, err = h.UnlockHTLC(context.Background(), preimage)
	if errors.Is(err, state.ErrHTLCNotFound) {
		h.logger.WithField("hash", preimage.HashLock().Hex()).Info("no inbound htlc to claim")
		return nil
	}
	if err != nil {
		h.emitError(fmt.Errorf("claiming inbound htlc %s: %w", preimage.HashLock().Hex(), err))
	}
	return nil
}

// handleUserOperation countersigns an operation the owner of the channel
// signed for its wallet, and relays it.
func (h *Hub) handleUserOperation(client *agent.ChannelClient, p *agent.Peer, m msg.Message) error {
	if m.UserOperation == nil {
		return p.Reject(m, errors.New("missing user operation"))
	}
	txHash, hash, sig, err := h.relay(context.Background(), client, m.UserOperation.UserOperation)
	if err != nil {
		_ = p.Reject(m, err)
		return err
	}
	h.logger.WithFields(log.F{
		"channel": client.Address().Hex(),
		"hash":    hash.Hex(),
		"tx":      txHash.Hex(),
	}).Info("user operation relayed")
	if h.events != nil {
		h.events <- agent.UserOperationRelayedEvent{Channel: client.Address(), Hash: hash, TxHash: txHash}
	}
	return p.Reply(m, msg.Message{Type: msg.TypeSignature, Signature: &msg.Signature{Signature: sig}})
}

func (h *Hub) relay(ctx context.Context, client *agent.ChannelClient, op userop.UserOperation) (txHash, hash common.Hash, sig []byte, err error) {
	channel := client.Channel()
	executor, ok := h.executors[channel.Chain()]
	if !ok {
		return common.Hash{}, common.Hash{}, nil, fmt.Errorf("no executor for chain %d", channel.Chain())
	}
	if op.Sender != channel.Address() {
		return common.Hash{}, common.Hash{}, nil, fmt.Errorf("user operation of %s sent on channel %s", op.Sender.Hex(), channel.Address().Hex())
	}
	hash, err = userop.Hash(op, h.entryPoint, new(big.Int).SetUint64(uint64(channel.Chain())))
	if err != nil {
		return common.Hash{}, common.Hash{}, nil, err
	}
	ownerSig, _, err := op.Signatures()
	if err != nil {
		return common.Hash{}, common.Hash{}, nil, err
	}
	signer, err := state.RecoverSigner(hash, ownerSig)
	if err != nil {
		return common.Hash{}, common.Hash{}, nil, fmt.Errorf("recovering owner signature: %w", err)
	}
	if signer != channel.Owner() {
		return common.Hash{}, common.Hash{}, nil, fmt.Errorf("user operation signed by %s: %w", signer.Hex(), state.ErrInvalidSignature)
	}
	sig, err = channel.SignHash(hash)
	if err != nil {
		return common.Hash{}, common.Hash{}, nil, fmt.Errorf("countersigning user operation: %w", err)
	}
	txHash, err = executor.HandleOps(ctx, op.WithSignatures(ownerSig, sig))
	if err != nil {
		return common.Hash{}, common.Hash{}, nil, fmt.Errorf("relaying user operation %s: %w", hash.Hex(), err)
	}
	return txHash, hash, sig, nil
}

func (h *Hub) emitError(err error) {
	h.logger.WithError(err).Error("error")
	if h.events != nil {
		h.events <- agent.ErrorEvent{Err: err}
	}
}
