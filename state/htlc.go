package state

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AddHTLC proposes a payment of amount to the counterparty locked by the hash
// lock. The HTLC times out after two HTLC timeout windows, the convention for
// the leg that creates a payment. The returned state carries only the local
// signature and is not added to the log.
func (c *Channel) AddHTLC(amount *big.Int, hashLock common.Hash) (SignedState, error) {
	return c.addHTLC(amount, hashLock, 2*c.htlcTimeout)
}

// AddForwardedHTLC is AddHTLC for a leg that forwards a payment received on
// another channel. The HTLC times out after a single HTLC timeout window so
// that the outbound leg always resolves before the inbound leg.
func (c *Channel) AddForwardedHTLC(amount *big.Int, hashLock common.Hash) (SignedState, error) {
	return c.addHTLC(amount, hashLock, c.htlcTimeout)
}

func (c *Channel) addHTLC(amount *big.Int, hashLock common.Hash, timeout time.Duration) (SignedState, error) {
	if amount == nil || amount.Sign() <= 0 {
		return SignedState{}, fmt.Errorf("htlc amount must be greater than 0")
	}
	if hashLock == (common.Hash{}) {
		return SignedState{}, fmt.Errorf("htlc hash lock is empty")
	}

	c.mu.Lock()
	latest, err := c.latest()
	c.mu.Unlock()
	if err != nil {
		return SignedState{}, err
	}

	next, err := c.applyAdd(latest.State, HTLC{
		Beneficiary: c.role.Other(),
		Amount:      new(big.Int).Set(amount),
		HashLock:    hashLock,
		Timelock:    uint64(c.now().Add(timeout).Unix()),
	})
	if err != nil {
		return SignedState{}, err
	}
	return Sign(next, c.role, c.signer)
}

// applyAdd returns the state that follows s with the HTLC appended. The
// intermediary's balance is debited when the intermediary pays. When the owner
// pays, the amount is implicitly taken from the owner's balance by the lock.
func (c *Channel) applyAdd(s ChannelState, h HTLC) (ChannelState, error) {
	if _, ok := s.HTLC(h.HashLock); ok {
		return ChannelState{}, fmt.Errorf("%w: htlc %s already exists", ErrInvalidStateUpdate, h.HashLock)
	}
	next := s.Clone()
	next.TurnNum++
	switch h.Beneficiary {
	case ParticipantOwner:
		if next.IntermediaryBalance.Cmp(h.Amount) < 0 {
			return ChannelState{}, fmt.Errorf("%w: intermediary balance %s cannot cover %s",
				ErrInsufficientBalance, next.IntermediaryBalance, h.Amount)
		}
		next.IntermediaryBalance.Sub(next.IntermediaryBalance, h.Amount)
	case ParticipantIntermediary:
		ownerBalance := s.OwnerBalance(c.totalFunds)
		if ownerBalance.Cmp(h.Amount) < 0 {
			return ChannelState{}, fmt.Errorf("%w: owner balance %s cannot cover %s",
				ErrInsufficientBalance, ownerBalance, h.Amount)
		}
	default:
		return ChannelState{}, fmt.Errorf("%w: unknown beneficiary %d", ErrInvalidStateUpdate, h.Beneficiary)
	}
	next.HTLCs = append(next.HTLCs, h)
	return next, nil
}

// UnlockHTLC proposes removing the HTLC whose hash lock is an image of the
// preimage, paying its amount to the HTLC's beneficiary. The returned state
// carries only the local signature and is not added to the log.
func (c *Channel) UnlockHTLC(preimage Preimage) (SignedState, error) {
	c.mu.Lock()
	latest, err := c.latest()
	c.mu.Unlock()
	if err != nil {
		return SignedState{}, err
	}

	next, err := c.applyUnlock(latest.State, preimage)
	if err != nil {
		return SignedState{}, err
	}
	return Sign(next, c.role, c.signer)
}

func findHTLC(s ChannelState, preimage Preimage) (int, HTLC, bool) {
	native := preimage.HashLock()
	lightning := preimage.LightningHashLock()
	for i, h := range s.HTLCs {
		if h.HashLock == native || h.HashLock == lightning {
			return i, h, true
		}
	}
	return 0, HTLC{}, false
}

// applyUnlock returns the state that follows s with the HTLC matching the
// preimage removed. Funds paid to the owner return to the owner implicitly.
// Funds paid to the intermediary are credited to its balance.
func (c *Channel) applyUnlock(s ChannelState, preimage Preimage) (ChannelState, error) {
	i, h, ok := findHTLC(s, preimage)
	if !ok {
		return ChannelState{}, fmt.Errorf("%w: no htlc for preimage hash %s", ErrHTLCNotFound, preimage.HashLock())
	}
	if int64(h.Timelock) < c.now().Unix() {
		return ChannelState{}, fmt.Errorf("%w: htlc %s timelock %d", ErrHTLCExpired, h.HashLock, h.Timelock)
	}
	next := s.Clone()
	next.TurnNum++
	next.HTLCs = append(next.HTLCs[:i:i], next.HTLCs[i+1:]...)
	if h.Beneficiary == ParticipantIntermediary {
		next.IntermediaryBalance.Add(next.IntermediaryBalance, h.Amount)
	}
	return next, nil
}

// ConfirmAddHTLC countersigns a state the counterparty proposed to add an HTLC
// paying the local participant, and adds it to the log. The proposed state
// must be the latest agreed state with a single HTLC appended, with the
// balances adjusted the way AddHTLC does, and a timelock in the future.
func (c *Channel) ConfirmAddHTLC(proposed SignedState) (SignedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.latest()
	if err != nil {
		return SignedState{}, err
	}
	p := proposed.State
	if len(p.HTLCs) != len(latest.State.HTLCs)+1 {
		return SignedState{}, fmt.Errorf("%w: expected %d htlcs got %d",
			ErrInvalidStateUpdate, len(latest.State.HTLCs)+1, len(p.HTLCs))
	}
	h := p.HTLCs[len(p.HTLCs)-1]
	if h.Beneficiary != c.role {
		return SignedState{}, fmt.Errorf("%w: htlc %s pays %s not %s",
			ErrInvalidStateUpdate, h.HashLock, h.Beneficiary, c.role)
	}
	if h.Amount == nil || h.Amount.Sign() <= 0 {
		return SignedState{}, fmt.Errorf("%w: htlc %s amount must be greater than 0", ErrInvalidStateUpdate, h.HashLock)
	}
	if int64(h.Timelock) <= c.now().Unix() {
		return SignedState{}, fmt.Errorf("%w: htlc %s timelock %d is not in the future",
			ErrInvalidStateUpdate, h.HashLock, h.Timelock)
	}
	expected, err := c.applyAdd(latest.State, h)
	if err != nil {
		return SignedState{}, err
	}
	return c.countersign(expected, proposed)
}

// ConfirmUnlockHTLC countersigns a state the counterparty proposed to unlock
// the HTLC matching the preimage, and adds it to the log. The proposal is
// accepted only if it hashes to the same state the local participant computes.
func (c *Channel) ConfirmUnlockHTLC(preimage Preimage, proposed SignedState) (SignedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.latest()
	if err != nil {
		return SignedState{}, err
	}
	expected, err := c.applyUnlock(latest.State, preimage)
	if err != nil {
		return SignedState{}, err
	}
	return c.countersign(expected, proposed)
}

// countersign checks the proposal matches the expected state and carries the
// counterparty's signature, signs it, and commits the fully signed state. It
// must be called with mu held.
func (c *Channel) countersign(expected ChannelState, proposed SignedState) (SignedState, error) {
	expectedHash, err := Hash(expected)
	if err != nil {
		return SignedState{}, err
	}
	proposedHash, err := Hash(proposed.State)
	if err != nil {
		return SignedState{}, fmt.Errorf("%w: %v", ErrInvalidStateUpdate, err)
	}
	if expectedHash != proposedHash {
		return SignedState{}, fmt.Errorf("%w: proposed state hash %s expected %s",
			ErrInvalidStateUpdate, proposedHash, expectedHash)
	}
	err = verifySignature(signatureVerificationInput{
		Hash:      proposedHash,
		Signature: proposed.Signature(c.role.Other()),
		Signer:    c.addressOf(c.role.Other()),
		Role:      c.role.Other(),
	})
	if err != nil {
		return SignedState{}, err
	}
	sig, err := SignHash(proposedHash, c.signer)
	if err != nil {
		return SignedState{}, err
	}
	full := SignedState{State: expected}.
		WithSignature(c.role.Other(), proposed.Signature(c.role.Other())).
		WithSignature(c.role, sig)
	err = c.addSignedState(full)
	if err != nil {
		return SignedState{}, err
	}
	return full, nil
}

// Commit adds a state the local participant proposed to the log once the
// counterparty has returned its signature.
func (c *Channel) Commit(proposal SignedState, counterSignature []byte) (SignedState, error) {
	full := proposal.WithSignature(c.role.Other(), counterSignature)
	err := c.AddSignedState(full)
	if err != nil {
		return SignedState{}, err
	}
	return full, nil
}
