package state_test

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/go-cmp/cmp"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bigComparer = cmp.Comparer(func(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
})

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type pair struct {
	OwnerKey        *ecdsa.PrivateKey
	IntermediaryKey *ecdsa.PrivateKey
	Owner           *state.Channel
	Intermediary    *state.Channel
	Clock           *clock
}

func newPair(t *testing.T, totalFunds, intermediaryBalance int64) pair {
	t.Helper()
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	intermediaryKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}

	config := func(key *ecdsa.PrivateKey) state.Config {
		return state.Config{
			ChannelAddress:      common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"),
			Chain:               31337,
			Owner:               crypto.PubkeyToAddress(ownerKey.PublicKey),
			Intermediary:        crypto.PubkeyToAddress(intermediaryKey.PublicKey),
			TotalFunds:          big.NewInt(totalFunds),
			IntermediaryBalance: big.NewInt(intermediaryBalance),
			Signer:              key,
			HTLCTimeout:         time.Minute,
			Now:                 clk.Now,
		}
	}
	owner, err := state.NewChannel(config(ownerKey))
	require.NoError(t, err)
	intermediary, err := state.NewChannel(config(intermediaryKey))
	require.NoError(t, err)
	return pair{
		OwnerKey:        ownerKey,
		IntermediaryKey: intermediaryKey,
		Owner:           owner,
		Intermediary:    intermediary,
		Clock:           clk,
	}
}

func add(t *testing.T, proposer, receiver *state.Channel, amount int64, hashLock common.Hash) state.SignedState {
	t.Helper()
	proposal, err := proposer.AddHTLC(big.NewInt(amount), hashLock)
	require.NoError(t, err)
	confirmed, err := receiver.ConfirmAddHTLC(proposal)
	require.NoError(t, err)
	committed, err := proposer.Commit(proposal, confirmed.Signature(receiver.MyRole()))
	require.NoError(t, err)
	return committed
}

func unlock(t *testing.T, proposer, receiver *state.Channel, preimage state.Preimage) state.SignedState {
	t.Helper()
	proposal, err := proposer.UnlockHTLC(preimage)
	require.NoError(t, err)
	confirmed, err := receiver.ConfirmUnlockHTLC(preimage, proposal)
	require.NoError(t, err)
	committed, err := proposer.Commit(proposal, confirmed.Signature(receiver.MyRole()))
	require.NoError(t, err)
	return committed
}

func requireInSync(t *testing.T, p pair) {
	t.Helper()
	o, err := p.Owner.LatestSignedState()
	require.NoError(t, err)
	i, err := p.Intermediary.LatestSignedState()
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(o, i, bigComparer))
}

func TestNewChannel(t *testing.T) {
	p := newPair(t, 10, 5)
	assert.Equal(t, state.ParticipantOwner, p.Owner.MyRole())
	assert.Equal(t, state.ParticipantIntermediary, p.Owner.TheirRole())
	assert.Equal(t, state.ParticipantIntermediary, p.Intermediary.MyRole())
	assert.Equal(t, state.ParticipantOwner, p.Intermediary.TheirRole())

	s, err := p.Owner.LatestState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.TurnNum)
	assert.Empty(t, s.HTLCs)
	assert.Equal(t, big.NewInt(5), s.IntermediaryBalance)
	assert.Equal(t, crypto.PubkeyToAddress(p.OwnerKey.PublicKey), s.Owner)

	ownerBalance, intermediaryBalance, err := p.Owner.Balances()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), ownerBalance)
	assert.Equal(t, big.NewInt(5), intermediaryBalance)
	assert.Equal(t, big.NewInt(10), p.Owner.TotalFunds())
}

func TestNewChannel_notAParticipant(t *testing.T) {
	p := newPair(t, 10, 5)
	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = state.NewChannel(state.Config{
		Owner:        p.Owner.Owner(),
		Intermediary: p.Owner.Intermediary(),
		TotalFunds:   big.NewInt(10),
		Signer:       stranger,
	})
	assert.ErrorIs(t, err, state.ErrNotAParticipant)
}

func TestNewChannel_invalidConfig(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	other := common.HexToAddress("0x01")

	_, err = state.NewChannel(state.Config{Owner: addr, Intermediary: addr, Signer: key})
	assert.EqualError(t, err, "owner and intermediary must be different")

	_, err = state.NewChannel(state.Config{Owner: addr, Intermediary: other})
	assert.EqualError(t, err, "signer is required")

	_, err = state.NewChannel(state.Config{
		Owner:               addr,
		Intermediary:        other,
		Signer:              key,
		TotalFunds:          big.NewInt(1),
		IntermediaryBalance: big.NewInt(2),
	})
	assert.EqualError(t, err, "intermediary balance 2 outside of channel funds 1")
}

func TestChannel_ownerAddHTLC(t *testing.T) {
	p := newPair(t, 10, 5)
	preimage := state.Preimage{1}

	proposal, err := p.Owner.AddHTLC(big.NewInt(2), preimage.HashLock())
	require.NoError(t, err)
	assert.NotEmpty(t, proposal.OwnerSignature)
	assert.Empty(t, proposal.IntermediarySignature)
	assert.Equal(t, uint64(1), proposal.State.TurnNum)
	assert.Equal(t, big.NewInt(5), proposal.State.IntermediaryBalance)
	require.Len(t, proposal.State.HTLCs, 1)
	assert.Equal(t, state.ParticipantIntermediary, proposal.State.HTLCs[0].Beneficiary)
	assert.Equal(t, uint64(p.Clock.Now().Add(2*time.Minute).Unix()), proposal.State.HTLCs[0].Timelock)

	// Proposing does not change the log.
	latest, err := p.Owner.LatestState()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), latest.TurnNum)

	confirmed, err := p.Intermediary.ConfirmAddHTLC(proposal)
	require.NoError(t, err)
	assert.True(t, confirmed.FullySigned())
	require.NoError(t, state.VerifySignedState(confirmed))

	committed, err := p.Owner.Commit(proposal, confirmed.IntermediarySignature)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), committed.State.TurnNum)
	requireInSync(t, p)

	ownerBalance, intermediaryBalance, err := p.Owner.Balances()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), ownerBalance)
	assert.Equal(t, big.NewInt(5), intermediaryBalance)
	assert.True(t, p.Owner.HasHTLC(preimage))
	assert.True(t, p.Intermediary.HasHTLC(preimage))
}

func TestChannel_intermediaryAddForwardedHTLC(t *testing.T) {
	p := newPair(t, 10, 5)
	preimage := state.Preimage{2}

	proposal, err := p.Intermediary.AddForwardedHTLC(big.NewInt(4), preimage.HashLock())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1), proposal.State.IntermediaryBalance)
	assert.Equal(t, state.ParticipantOwner, proposal.State.HTLCs[0].Beneficiary)
	assert.Equal(t, uint64(p.Clock.Now().Add(time.Minute).Unix()), proposal.State.HTLCs[0].Timelock)

	confirmed, err := p.Owner.ConfirmAddHTLC(proposal)
	require.NoError(t, err)
	_, err = p.Intermediary.Commit(proposal, confirmed.OwnerSignature)
	require.NoError(t, err)
	requireInSync(t, p)

	// The locked amount is spendable by neither participant.
	ownerBalance, intermediaryBalance, err := p.Owner.Balances()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(5), ownerBalance)
	assert.Equal(t, big.NewInt(1), intermediaryBalance)

	unlock(t, p.Owner, p.Intermediary, preimage)
	requireInSync(t, p)
	ownerBalance, intermediaryBalance, err = p.Owner.Balances()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(9), ownerBalance)
	assert.Equal(t, big.NewInt(1), intermediaryBalance)
}

func TestChannel_insufficientBalance(t *testing.T) {
	p := newPair(t, 10, 5)

	_, err := p.Owner.AddHTLC(big.NewInt(6), state.Preimage{1}.HashLock())
	assert.ErrorIs(t, err, state.ErrInsufficientBalance)

	_, err = p.Intermediary.AddHTLC(big.NewInt(6), state.Preimage{1}.HashLock())
	assert.ErrorIs(t, err, state.ErrInsufficientBalance)

	// Exactly the balance is allowed.
	add(t, p.Owner, p.Intermediary, 5, state.Preimage{1}.HashLock())
	_, err = p.Owner.AddHTLC(big.NewInt(1), state.Preimage{2}.HashLock())
	assert.ErrorIs(t, err, state.ErrInsufficientBalance)
}

func TestChannel_addInvalidArguments(t *testing.T) {
	p := newPair(t, 10, 5)
	_, err := p.Owner.AddHTLC(big.NewInt(0), state.Preimage{1}.HashLock())
	assert.EqualError(t, err, "htlc amount must be greater than 0")
	_, err = p.Owner.AddHTLC(nil, state.Preimage{1}.HashLock())
	assert.EqualError(t, err, "htlc amount must be greater than 0")
	_, err = p.Owner.AddHTLC(big.NewInt(1), common.Hash{})
	assert.EqualError(t, err, "htlc hash lock is empty")

	add(t, p.Owner, p.Intermediary, 1, state.Preimage{1}.HashLock())
	_, err = p.Owner.AddHTLC(big.NewInt(1), state.Preimage{1}.HashLock())
	assert.ErrorIs(t, err, state.ErrInvalidStateUpdate)
}

func TestChannel_unlockHTLC(t *testing.T) {
	p := newPair(t, 10, 5)
	preimage := state.Preimage{3}
	add(t, p.Owner, p.Intermediary, 2, preimage.HashLock())

	committed := unlock(t, p.Intermediary, p.Owner, preimage)
	assert.Equal(t, uint64(2), committed.State.TurnNum)
	assert.Empty(t, committed.State.HTLCs)
	assert.Equal(t, big.NewInt(7), committed.State.IntermediaryBalance)
	requireInSync(t, p)

	ownerBalance, _, err := p.Owner.Balances()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), ownerBalance)
	assert.False(t, p.Owner.HasHTLC(preimage))
}

func TestChannel_unlockLightningHashLock(t *testing.T) {
	p := newPair(t, 10, 5)
	preimage := state.Preimage{4}
	add(t, p.Owner, p.Intermediary, 2, preimage.LightningHashLock())
	assert.True(t, p.Intermediary.HasHTLC(preimage))

	committed := unlock(t, p.Intermediary, p.Owner, preimage)
	assert.Empty(t, committed.State.HTLCs)
	assert.Equal(t, big.NewInt(7), committed.State.IntermediaryBalance)
}

func TestChannel_unlockKeepsOtherHTLCs(t *testing.T) {
	p := newPair(t, 10, 5)
	add(t, p.Owner, p.Intermediary, 1, state.Preimage{1}.HashLock())
	add(t, p.Owner, p.Intermediary, 1, state.Preimage{2}.HashLock())
	add(t, p.Owner, p.Intermediary, 1, state.Preimage{3}.HashLock())

	committed := unlock(t, p.Intermediary, p.Owner, state.Preimage{2})
	require.Len(t, committed.State.HTLCs, 2)
	assert.Equal(t, state.Preimage{1}.HashLock(), committed.State.HTLCs[0].HashLock)
	assert.Equal(t, state.Preimage{3}.HashLock(), committed.State.HTLCs[1].HashLock)
	requireInSync(t, p)
}

func TestChannel_unlockNotFound(t *testing.T) {
	p := newPair(t, 10, 5)
	add(t, p.Owner, p.Intermediary, 2, state.Preimage{1}.HashLock())

	_, err := p.Intermediary.UnlockHTLC(state.Preimage{9})
	assert.ErrorIs(t, err, state.ErrHTLCNotFound)
}

func TestChannel_unlockExpired(t *testing.T) {
	p := newPair(t, 10, 5)
	preimage := state.Preimage{1}
	add(t, p.Owner, p.Intermediary, 2, preimage.HashLock())

	// At the timelock the HTLC is still claimable.
	p.Clock.Advance(2 * time.Minute)
	_, err := p.Intermediary.UnlockHTLC(preimage)
	require.NoError(t, err)

	p.Clock.Advance(time.Second)
	_, err = p.Intermediary.UnlockHTLC(preimage)
	assert.ErrorIs(t, err, state.ErrHTLCExpired)
}

func TestChannel_addSignedStateRejectsTampering(t *testing.T) {
	p := newPair(t, 10, 5)
	proposal, err := p.Owner.AddHTLC(big.NewInt(2), state.Preimage{1}.HashLock())
	require.NoError(t, err)
	confirmed, err := p.Intermediary.ConfirmAddHTLC(proposal)
	require.NoError(t, err)
	before := p.Owner.History()

	testCases := []struct {
		name    string
		mutate  func(ss *state.SignedState)
		wantErr error
	}{
		{"balance", func(ss *state.SignedState) { ss.State.IntermediaryBalance = big.NewInt(4) }, state.ErrInvalidSignature},
		{"amount", func(ss *state.SignedState) { ss.State.HTLCs[0].Amount = big.NewInt(1) }, state.ErrInvalidSignature},
		{"missingOwnerSignature", func(ss *state.SignedState) { ss.OwnerSignature = nil }, state.ErrInvalidSignature},
		{"missingIntermediarySignature", func(ss *state.SignedState) { ss.IntermediarySignature = nil }, state.ErrInvalidSignature},
		{"swappedSignatures", func(ss *state.SignedState) {
			ss.OwnerSignature, ss.IntermediarySignature = ss.IntermediarySignature, ss.OwnerSignature
		}, state.ErrInvalidSignature},
		{"shortSignature", func(ss *state.SignedState) { ss.OwnerSignature = ss.OwnerSignature[:64] }, state.ErrInvalidSignature},
		{"turn", func(ss *state.SignedState) { ss.State.TurnNum = 2 }, state.ErrInvalidStateUpdate},
		{"overdrawn", func(ss *state.SignedState) { ss.State.IntermediaryBalance = big.NewInt(9) }, state.ErrInvalidStateUpdate},
		{"participants", func(ss *state.SignedState) { ss.State.Owner = common.HexToAddress("0x01") }, state.ErrInvalidStateUpdate},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ss := confirmed
			ss.State = confirmed.State.Clone()
			tc.mutate(&ss)
			err := p.Owner.AddSignedState(ss)
			assert.ErrorIs(t, err, tc.wantErr)
			assert.Empty(t, cmp.Diff(before, p.Owner.History(), bigComparer))
		})
	}

	require.NoError(t, p.Owner.AddSignedState(confirmed))
	assert.Len(t, p.Owner.History(), 2)
}

func TestChannel_confirmAddRejects(t *testing.T) {
	p := newPair(t, 10, 5)

	t.Run("paysProposer", func(t *testing.T) {
		latest, err := p.Owner.LatestState()
		require.NoError(t, err)
		next := latest.Clone()
		next.TurnNum++
		next.HTLCs = append(next.HTLCs, state.HTLC{
			Beneficiary: state.ParticipantOwner,
			Amount:      big.NewInt(1),
			HashLock:    state.Preimage{1}.HashLock(),
			Timelock:    uint64(p.Clock.Now().Add(time.Hour).Unix()),
		})
		proposal, err := state.Sign(next, state.ParticipantOwner, p.OwnerKey)
		require.NoError(t, err)
		_, err = p.Intermediary.ConfirmAddHTLC(proposal)
		assert.ErrorIs(t, err, state.ErrInvalidStateUpdate)
	})

	t.Run("pastTimelock", func(t *testing.T) {
		latest, err := p.Owner.LatestState()
		require.NoError(t, err)
		next := latest.Clone()
		next.TurnNum++
		next.HTLCs = append(next.HTLCs, state.HTLC{
			Beneficiary: state.ParticipantIntermediary,
			Amount:      big.NewInt(1),
			HashLock:    state.Preimage{1}.HashLock(),
			Timelock:    uint64(p.Clock.Now().Unix()),
		})
		proposal, err := state.Sign(next, state.ParticipantOwner, p.OwnerKey)
		require.NoError(t, err)
		_, err = p.Intermediary.ConfirmAddHTLC(proposal)
		assert.ErrorIs(t, err, state.ErrInvalidStateUpdate)
	})

	t.Run("balanceChanged", func(t *testing.T) {
		proposal, err := p.Owner.AddHTLC(big.NewInt(1), state.Preimage{1}.HashLock())
		require.NoError(t, err)
		proposal.State.IntermediaryBalance = big.NewInt(4)
		proposal, err = state.Sign(proposal.State, state.ParticipantOwner, p.OwnerKey)
		require.NoError(t, err)
		_, err = p.Intermediary.ConfirmAddHTLC(proposal)
		assert.ErrorIs(t, err, state.ErrInvalidStateUpdate)
	})

	t.Run("signedByStranger", func(t *testing.T) {
		stranger, err := crypto.GenerateKey()
		require.NoError(t, err)
		proposal, err := p.Owner.AddHTLC(big.NewInt(1), state.Preimage{1}.HashLock())
		require.NoError(t, err)
		forged, err := state.Sign(proposal.State, state.ParticipantOwner, stranger)
		require.NoError(t, err)
		_, err = p.Intermediary.ConfirmAddHTLC(forged)
		assert.ErrorIs(t, err, state.ErrInvalidSignature)
	})

	t.Run("unsigned", func(t *testing.T) {
		proposal, err := p.Owner.AddHTLC(big.NewInt(1), state.Preimage{1}.HashLock())
		require.NoError(t, err)
		proposal.OwnerSignature = nil
		_, err = p.Intermediary.ConfirmAddHTLC(proposal)
		assert.ErrorIs(t, err, state.ErrInvalidSignature)
	})

	assert.Len(t, p.Intermediary.History(), 1)
}

func TestChannel_confirmUnlockRejectsMismatch(t *testing.T) {
	p := newPair(t, 10, 5)
	preimage := state.Preimage{1}
	add(t, p.Owner, p.Intermediary, 2, preimage.HashLock())

	proposal, err := p.Intermediary.UnlockHTLC(preimage)
	require.NoError(t, err)
	// The intermediary credits itself more than the htlc pays.
	proposal.State.IntermediaryBalance = big.NewInt(8)
	proposal, err = state.Sign(proposal.State, state.ParticipantIntermediary, p.IntermediaryKey)
	require.NoError(t, err)

	_, err = p.Owner.ConfirmUnlockHTLC(preimage, proposal)
	assert.ErrorIs(t, err, state.ErrInvalidStateUpdate)
	assert.Len(t, p.Owner.History(), 2)

	_, err = p.Owner.ConfirmUnlockHTLC(state.Preimage{2}, proposal)
	assert.ErrorIs(t, err, state.ErrHTLCNotFound)
}

func TestChannel_concurrentProposalsCommitOnce(t *testing.T) {
	p := newPair(t, 100, 50)

	const n = 10
	proposals := make([]state.SignedState, n)
	for i := range proposals {
		var err error
		proposals[i], err = p.Owner.AddHTLC(big.NewInt(1), state.Preimage{byte(i + 1)}.HashLock())
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range proposals {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.Intermediary.ConfirmAddHTLC(proposals[i])
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, state.ErrInvalidStateUpdate)
	}
	assert.Equal(t, 1, succeeded)

	history := p.Intermediary.History()
	require.Len(t, history, 2)
	assert.Equal(t, uint64(1), history[1].State.TurnNum)
}

func TestChannel_randomWalkInvariants(t *testing.T) {
	p := newPair(t, 1000, 500)
	rnd := rand.New(rand.NewSource(1))
	total := p.Owner.TotalFunds()
	var open []state.Preimage
	next := byte(1)

	for i := 0; i < 60; i++ {
		before, err := p.Owner.LatestState()
		require.NoError(t, err)

		switch {
		case len(open) > 0 && rnd.Intn(2) == 0:
			j := rnd.Intn(len(open))
			preimage := open[j]
			open = append(open[:j], open[j+1:]...)
			h, ok := p.Owner.HTLC(preimage.HashLock())
			require.True(t, ok)
			if h.Beneficiary == state.ParticipantOwner {
				unlock(t, p.Owner, p.Intermediary, preimage)
			} else {
				unlock(t, p.Intermediary, p.Owner, preimage)
			}
		default:
			preimage := state.Preimage{next}
			next++
			amount := big.NewInt(int64(rnd.Intn(40) + 1))
			proposer, receiver := p.Owner, p.Intermediary
			if rnd.Intn(2) == 0 {
				proposer, receiver = p.Intermediary, p.Owner
			}
			proposal, err := proposer.AddHTLC(amount, preimage.HashLock())
			if errors.Is(err, state.ErrInsufficientBalance) {
				continue
			}
			require.NoError(t, err)
			confirmed, err := receiver.ConfirmAddHTLC(proposal)
			require.NoError(t, err)
			_, err = proposer.Commit(proposal, confirmed.Signature(receiver.MyRole()))
			require.NoError(t, err)
			open = append(open, preimage)
		}

		after, err := p.Owner.LatestState()
		require.NoError(t, err)
		assert.Equal(t, before.TurnNum+1, after.TurnNum)
		assert.True(t, after.IntermediaryBalance.Sign() >= 0)
		assert.True(t, after.IntermediaryBalance.Cmp(total) <= 0)
		assert.True(t, after.OwnerBalance(total).Sign() >= 0)
		requireInSync(t, p)
	}

	for i, ss := range p.Owner.History() {
		assert.Equal(t, uint64(i), ss.State.TurnNum)
		if i > 0 {
			assert.NoError(t, state.VerifySignedState(ss))
		}
	}
}

func TestChannel_snapshot(t *testing.T) {
	p := newPair(t, 10, 5)
	add(t, p.Owner, p.Intermediary, 2, state.Preimage{1}.HashLock())

	s := p.Intermediary.Snapshot()
	assert.Equal(t, "intermediary", s.Role)
	assert.Equal(t, chains.ChainID(31337), s.Chain)
	assert.Equal(t, 2, s.Turns)
	assert.Equal(t, big.NewInt(3), s.OwnerBalance)
	assert.Equal(t, big.NewInt(5), s.IntermediaryBalance)
	assert.Equal(t, big.NewInt(10), s.TotalFunds)
	assert.True(t, s.Latest.FullySigned())
}
