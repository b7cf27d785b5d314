package agent_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/agent/agenttest"
	"github.com/stellar/starlight/scbridge/agent/msg"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/invoice"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stellar/starlight/scbridge/userop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryPoint = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func newOwner(t *testing.T, chain chains.ChainID, intermediary agent.Handler, events chan<- interface{}) (*agent.Owner, agenttest.Link) {
	t.Helper()
	l := agenttest.NewLink(t, agenttest.LinkConfig{
		Address:             common.BigToAddress(big.NewInt(int64(chain))),
		Chain:               chain,
		TotalFunds:          10,
		IntermediaryBalance: 5,
	})
	if intermediary == nil {
		intermediary = confirming(l.Intermediary)
	}
	require.NoError(t, l.Intermediary.Peer().Start(intermediary))
	o, err := agent.NewOwner(agent.OwnerConfig{
		Client:     l.Owner,
		EntryPoint: entryPoint,
		Events:     events,
	})
	require.NoError(t, err)
	return o, l
}

func TestNewOwner_requiresOwnerRole(t *testing.T) {
	l := agenttest.NewLink(t, agenttest.LinkConfig{Address: channelAddress, Chain: 31337, TotalFunds: 10})
	_, err := agent.NewOwner(agent.OwnerConfig{Client: l.Intermediary})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not owned by the local participant")

	_, err = agent.NewOwner(agent.OwnerConfig{})
	require.Error(t, err)
}

func TestOwner_requestInvoice(t *testing.T) {
	payee, _ := newOwner(t, 31337, nil, nil)
	payer, _ := newOwner(t, 31338, nil, nil)
	toPayee, _ := agenttest.NewPeers(t, agenttest.Reject, payee)

	inv, err := payer.RequestInvoice(context.Background(), toPayee, big.NewInt(4))
	require.NoError(t, err)
	assert.Equal(t, chains.ChainID(31338), inv.Chain)
	assert.Equal(t, "4", inv.Amount.String())

	preimage, ok := payee.Preimages().Lookup(inv.HashLock)
	require.True(t, ok)
	assert.Equal(t, inv.HashLock, preimage.HashLock())
}

func TestOwner_requestInvoiceInvalidAmount(t *testing.T) {
	payee, _ := newOwner(t, 31337, nil, nil)
	payer, _ := newOwner(t, 31337, nil, nil)
	toPayee, _ := agenttest.NewPeers(t, agenttest.Reject, payee)

	_, err := payer.RequestInvoice(context.Background(), toPayee, big.NewInt(0))
	assert.True(t, errors.Is(err, agent.ErrPeerRejected))
	assert.Equal(t, 0, payee.Preimages().Len())
}

func TestOwner_forwardPaymentOnlyFromIntermediary(t *testing.T) {
	o, l := newOwner(t, 31337, nil, nil)
	stranger, _ := agenttest.NewPeers(t, agenttest.Reject, o)
	proposal, err := l.Intermediary.Channel().AddForwardedHTLC(big.NewInt(1), common.HexToHash("0x01"))
	require.NoError(t, err)

	_, err = stranger.Request(context.Background(), msg.Message{
		Type: msg.TypeForwardPayment,
		ForwardPayment: &msg.ForwardPayment{
			Invoice:      invoice.Invoice{Amount: big.NewInt(1), Chain: 31337, HashLock: common.HexToHash("0x01")},
			Timelock:     proposal.State.HTLCs[0].Timelock,
			UpdatedState: proposal,
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, agent.ErrPeerRejected))
	assert.Contains(t, err.Error(), "intermediary only")
	s, err := o.Client().Channel().LatestState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.TurnNum)
}

func TestOwner_claimsForwardedPayment(t *testing.T) {
	events := make(chan interface{}, 10)
	o, l := newOwner(t, 31337, nil, events)
	inv, err := o.IssueInvoice(0, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, chains.ChainID(31337), inv.Chain)

	_, err = l.Intermediary.ProposeAdd(context.Background(), agent.AddParams{
		Target:    o.Client().Address(),
		Invoice:   inv,
		Forwarded: true,
	})
	require.NoError(t, err)

	var received agent.PaymentReceivedEvent
	require.Eventually(t, func() bool {
		select {
		case e := <-events:
			var ok bool
			received, ok = e.(agent.PaymentReceivedEvent)
			return ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, inv.HashLock, received.HashLock)
	assert.Equal(t, uint64(2), received.State.State.TurnNum)
	assert.Equal(t, 0, o.Preimages().Len())

	requireTurn(t, l.Intermediary, 2)
	owner, intermediary, err := l.Intermediary.Channel().Balances()
	require.NoError(t, err)
	assert.Equal(t, "8", owner.String())
	assert.Equal(t, "2", intermediary.String())
}

func TestOwner_payInvoiceWrongChain(t *testing.T) {
	o, _ := newOwner(t, 31337, nil, nil)
	_, err := o.PayInvoice(context.Background(), channelAddress, invoice.Invoice{
		Amount:   big.NewInt(1),
		Chain:    31338,
		HashLock: common.HexToHash("0x01"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not payable from chain 31337")
}

// countersigning is an intermediary handler relaying user operations by
// countersigning them with the key.
func countersigning(l *agenttest.Link, ops chan<- userop.UserOperation) agent.Handler {
	return agent.HandlerFunc(func(p *agent.Peer, m msg.Message) error {
		op := m.UserOperation.UserOperation
		ops <- op
		hash, err := userop.Hash(op, entryPoint, new(big.Int).SetUint64(uint64(l.Intermediary.Channel().Chain())))
		if err != nil {
			return err
		}
		sig, err := l.Intermediary.Channel().SignHash(hash)
		if err != nil {
			return err
		}
		return p.Reply(m, msg.Message{Type: msg.TypeSignature, Signature: &msg.Signature{Signature: sig}})
	})
}

func TestOwner_payL1(t *testing.T) {
	ops := make(chan userop.UserOperation, 2)
	var l agenttest.Link
	o, l := newOwner(t, 31337, agent.HandlerFunc(func(p *agent.Peer, m msg.Message) error {
		return countersigning(&l, ops).HandleMessage(p, m)
	}), nil)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	hash, err := o.PayL1(context.Background(), to, big.NewInt(1000))
	require.NoError(t, err)
	op := <-ops
	assert.Equal(t, o.Client().Address(), op.Sender)
	assert.Equal(t, "0", op.Nonce.String())
	want, err := userop.Hash(op, entryPoint, big.NewInt(31337))
	require.NoError(t, err)
	assert.Equal(t, want, hash)

	ownerSig, intermediarySig, err := op.Signatures()
	require.NoError(t, err)
	assert.Nil(t, intermediarySig)
	signer, err := state.RecoverSigner(hash, ownerSig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(l.OwnerKey.PublicKey), signer)

	_, err = o.PayL1(context.Background(), to, big.NewInt(1000))
	require.NoError(t, err)
	op = <-ops
	assert.Equal(t, "1", op.Nonce.String())
}

func TestOwner_payL1WrongCountersigner(t *testing.T) {
	stranger := agenttest.MustGenerateKey(t)
	o, _ := newOwner(t, 31337, agent.HandlerFunc(func(p *agent.Peer, m msg.Message) error {
		hash, err := userop.Hash(m.UserOperation.UserOperation, entryPoint, big.NewInt(31337))
		if err != nil {
			return err
		}
		sig, err := state.SignHash(hash, stranger)
		if err != nil {
			return err
		}
		return p.Reply(m, msg.Message{Type: msg.TypeSignature, Signature: &msg.Signature{Signature: sig}})
	}), nil)

	_, err := o.PayL1(context.Background(), common.Address{}, big.NewInt(1))
	assert.True(t, errors.Is(err, state.ErrInvalidSignature))
}
