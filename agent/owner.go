package agent

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent/msg"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/invoice"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stellar/starlight/scbridge/userop"
)

// OwnerConfig contains the information that can be supplied to configure the
// Owner at construction.
type OwnerConfig struct {
	// Client is the client of the owner's channel with its intermediary. The
	// client's peer is started by NewOwner.
	Client *ChannelClient

	// Preimages holds the preimages of invoices the owner issues. A new
	// store is created if nil.
	Preimages *state.PreimageStore

	// EntryPoint is the entry point contract user operations of the owner's
	// wallet are relayed through.
	EntryPoint common.Address

	// Nonce is the nonce of the next user operation of the wallet.
	Nonce uint64

	Logger *log.Entry

	Events chan<- interface{}
}

// Owner is the owner of a channel. It pays invoices through its
// intermediary, and issues invoices it is paid through its intermediary.
type Owner struct {
	client     *ChannelClient
	preimages  *state.PreimageStore
	entryPoint common.Address
	logger     *log.Entry
	events     chan<- interface{}

	// nonceMu is a lock for nonce.
	nonceMu sync.Mutex
	nonce   uint64
}

// NewOwner creates an owner and starts handling the messages of the
// intermediary on the client's peer.
func NewOwner(c OwnerConfig) (*Owner, error) {
	if c.Client == nil {
		return nil, errors.New("channel client is required")
	}
	if c.Client.Channel().MyRole() != state.ParticipantOwner {
		return nil, fmt.Errorf("channel %s is not owned by the local participant", c.Client.Address().Hex())
	}
	o := &Owner{
		client:     c.Client,
		preimages:  c.Preimages,
		entryPoint: c.EntryPoint,
		logger:     loggerOrDiscard(c.Logger).WithField("channel", c.Client.Address().Hex()),
		events:     c.Events,
		nonce:      c.Nonce,
	}
	if o.preimages == nil {
		o.preimages = state.NewPreimageStore()
	}
	err := c.Client.Peer().Start(o)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Owner) Client() *ChannelClient {
	return o.client
}

// Channels returns the owner's channel.
func (o *Owner) Channels() []*state.Channel {
	return []*state.Channel{o.client.Channel()}
}

// Preimages returns the store of the preimages of issued invoices.
func (o *Owner) Preimages() *state.PreimageStore {
	return o.preimages
}

// HandleMessage handles the requests of the intermediary and of payers
// requesting invoices.
func (o *Owner) HandleMessage(p *Peer, m msg.Message) error {
	switch m.Type {
	case msg.TypeRequestInvoice:
		return o.handleRequestInvoice(p, m)
	case msg.TypeForwardPayment:
		if p != o.client.Peer() {
			return p.Reject(m, fmt.Errorf("%s accepted from intermediary only", m.Type))
		}
		return o.handleForwardPayment(m)
	case msg.TypeUnlockHTLC:
		if p != o.client.Peer() {
			return p.Reject(m, fmt.Errorf("%s accepted from intermediary only", m.Type))
		}
		_, err := o.client.ConfirmUnlock(context.Background(), m)
		return err
	}
	return p.Reject(m, fmt.Errorf("unsupported message type %s", m.Type))
}

func (o *Owner) handleRequestInvoice(p *Peer, m msg.Message) error {
	if m.RequestInvoice == nil {
		return p.Reject(m, errors.New("missing invoice request"))
	}
	inv, err := o.IssueInvoice(m.RequestInvoice.Chain, m.RequestInvoice.Amount)
	if err != nil {
		_ = p.Reject(m, err)
		return err
	}
	return p.Reply(m, msg.Message{Type: msg.TypeInvoice, Invoice: &inv})
}

// handleForwardPayment countersigns the forwarded leg of a payment, and if the
// owner holds the preimage of its hash lock, claims it.
func (o *Owner) handleForwardPayment(m msg.Message) error {
	ctx := context.Background()
	committed, err := o.client.ConfirmAdd(ctx, m)
	if err != nil {
		return err
	}
	htlc := committed.State.HTLCs[len(committed.State.HTLCs)-1]
	preimage, ok := o.preimages.Lookup(htlc.HashLock)
	if !ok {
		o.logger.WithField("hash", htlc.HashLock.Hex()).Warn("received htlc for unknown hash lock")
		return nil
	}
	claimed, err := o.client.ProposeUnlock(ctx, preimage)
	if err != nil {
		return fmt.Errorf("claiming htlc %s: %w", htlc.HashLock.Hex(), err)
	}
	o.preimages.Forget(htlc.HashLock)
	o.logger.WithField("hash", htlc.HashLock.Hex()).Infof("received payment of %s", htlc.Amount)
	if o.events != nil {
		o.events <- PaymentReceivedEvent{HashLock: htlc.HashLock, State: claimed}
	}
	return nil
}

// IssueInvoice creates an invoice for the amount denominated on the chain,
// keeping the preimage of its hash lock to claim the payment. A zero chain is
// the owner's chain.
func (o *Owner) IssueInvoice(chain chains.ChainID, amount *big.Int) (invoice.Invoice, error) {
	if chain == 0 {
		chain = o.client.Channel().Chain()
	}
	if amount == nil || amount.Sign() <= 0 {
		return invoice.Invoice{}, errors.New("invoice amount must be greater than 0")
	}
	hashLock, err := o.preimages.NewHashLock()
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("generating hash lock: %w", err)
	}
	inv := invoice.Invoice{Amount: new(big.Int).Set(amount), Chain: chain, HashLock: hashLock}
	o.logger.WithFields(log.F{"hash": hashLock.Hex(), "chain": uint64(chain)}).Infof("issued invoice of %s", amount)
	if o.events != nil {
		o.events <- InvoiceIssuedEvent{Invoice: inv}
	}
	return inv, nil
}

// RequestInvoice requests an invoice for the amount from the payee, with the
// amount denominated on the owner's chain.
func (o *Owner) RequestInvoice(ctx context.Context, payee *Peer, amount *big.Int) (invoice.Invoice, error) {
	reply, err := payee.Request(ctx, msg.Message{
		Type: msg.TypeRequestInvoice,
		RequestInvoice: &msg.RequestInvoice{
			Chain:  o.client.Channel().Chain(),
			Amount: amount,
		},
	})
	if err != nil {
		return invoice.Invoice{}, err
	}
	if reply.Type != msg.TypeInvoice || reply.Invoice == nil {
		return invoice.Invoice{}, fmt.Errorf("unexpected %s reply to invoice request", reply.Type)
	}
	inv := *reply.Invoice
	err = inv.Validate()
	if err != nil {
		return invoice.Invoice{}, err
	}
	if inv.Chain != o.client.Channel().Chain() || inv.Amount.Cmp(amount) != 0 {
		return invoice.Invoice{}, fmt.Errorf("invoice of %s on chain %d does not match request of %s on chain %d",
			inv.Amount, inv.Chain, amount, o.client.Channel().Chain())
	}
	return inv, nil
}

// PayInvoice pays the invoice to the owner of the target channel through the
// intermediary. It returns once the intermediary has countersigned the HTLC
// of the payment. The payment completes when the intermediary unlocks it.
func (o *Owner) PayInvoice(ctx context.Context, target common.Address, inv invoice.Invoice) (state.SignedState, error) {
	err := inv.Validate()
	if err != nil {
		return state.SignedState{}, err
	}
	if inv.Chain != o.client.Channel().Chain() {
		return state.SignedState{}, fmt.Errorf("invoice on chain %d is not payable from chain %d", inv.Chain, o.client.Channel().Chain())
	}
	o.logger.WithFields(log.F{"hash": inv.HashLock.Hex(), "target": target.Hex()}).Infof("paying invoice of %s", inv.Amount)
	return o.client.ProposeAdd(ctx, AddParams{Target: target, Invoice: inv})
}

// Pay requests an invoice for the amount from the payee and pays it to the
// target channel.
func (o *Owner) Pay(ctx context.Context, payee *Peer, target common.Address, amount *big.Int) (invoice.Invoice, error) {
	inv, err := o.RequestInvoice(ctx, payee, amount)
	if err != nil {
		return invoice.Invoice{}, fmt.Errorf("requesting invoice: %w", err)
	}
	_, err = o.PayInvoice(ctx, target, inv)
	if err != nil {
		return invoice.Invoice{}, err
	}
	return inv, nil
}

// PayL1 has the owner's wallet transfer amount to the address on the chain
// hosting the channel, with a user operation the intermediary countersigns
// and relays. It returns the hash of the user operation.
func (o *Owner) PayL1(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	channel := o.client.Channel()
	chainID := new(big.Int).SetUint64(uint64(channel.Chain()))

	o.nonceMu.Lock()
	nonce := o.nonce
	o.nonce++
	o.nonceMu.Unlock()

	op, err := userop.Transfer(channel.Address(), to, amount, new(big.Int).SetUint64(nonce))
	if err != nil {
		return common.Hash{}, err
	}
	hash, err := userop.Hash(op, o.entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	sig, err := channel.SignHash(hash)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing user operation: %w", err)
	}
	op = op.WithSignatures(sig, nil)

	logger := o.logger.WithFields(log.F{"hash": hash.Hex(), "nonce": nonce})
	logger.Infof("relaying transfer of %s to %s", amount, to.Hex())
	reply, err := o.client.Peer().Request(ctx, msg.Message{
		Type:          msg.TypeUserOperation,
		UserOperation: &msg.UserOperation{UserOperation: op},
	})
	if err != nil {
		return common.Hash{}, err
	}
	if reply.Type != msg.TypeSignature || reply.Signature == nil {
		return common.Hash{}, fmt.Errorf("unexpected %s reply to user operation", reply.Type)
	}
	signer, err := state.RecoverSigner(hash, reply.Signature.Signature)
	if err != nil {
		return common.Hash{}, fmt.Errorf("recovering intermediary signature: %w", err)
	}
	if signer != channel.Intermediary() {
		return common.Hash{}, fmt.Errorf("user operation countersigned by %s: %w", signer.Hex(), state.ErrInvalidSignature)
	}
	logger.Info("transfer relayed")
	return hash, nil
}
