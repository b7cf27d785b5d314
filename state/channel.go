package state

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stellar/starlight/scbridge/chains"
)

// DefaultHTLCTimeout is the timeout window of HTLCs. The creator of a payment
// locks its HTLC for two windows, forwarded HTLCs are locked for one.
const DefaultHTLCTimeout = 5 * time.Minute

// Channel holds the log of agreed states of one channel from the view of one
// of its participants.
type Channel struct {
	address     common.Address
	chain       chains.ChainID
	owner       common.Address
	intermed    common.Address
	totalFunds  *big.Int
	signer      *ecdsa.PrivateKey
	role        Participant
	htlcTimeout time.Duration
	now         func() time.Time

	// mu protects the log. States are appended only after both signatures
	// verify, so every entry after the genesis state is agreed.
	mu  sync.Mutex
	log []SignedState
}

// Config contains the information that can be supplied to configure the
// Channel at construction.
type Config struct {
	// ChannelAddress is the address of the wallet contract custodying the
	// channel's funds.
	ChannelAddress common.Address
	Chain          chains.ChainID

	Owner        common.Address
	Intermediary common.Address

	// TotalFunds is the amount custodied by the wallet contract.
	TotalFunds *big.Int

	// IntermediaryBalance is the intermediary's balance in the genesis state.
	IntermediaryBalance *big.Int

	Signer *ecdsa.PrivateKey

	// HTLCTimeout defaults to DefaultHTLCTimeout.
	HTLCTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewChannel creates a channel whose genesis state is turn zero with no HTLCs
// and the configured intermediary balance. The genesis state mirrors the
// funds and balances held by the wallet contract and is accepted without
// signatures.
func NewChannel(c Config) (*Channel, error) {
	if c.Signer == nil {
		return nil, errors.New("signer is required")
	}
	if c.Owner == c.Intermediary {
		return nil, errors.New("owner and intermediary must be different")
	}
	totalFunds := cloneBig(c.TotalFunds)
	if totalFunds == nil {
		totalFunds = new(big.Int)
	}
	intermediaryBalance := cloneBig(c.IntermediaryBalance)
	if intermediaryBalance == nil {
		intermediaryBalance = new(big.Int)
	}
	if intermediaryBalance.Sign() < 0 || intermediaryBalance.Cmp(totalFunds) > 0 {
		return nil, fmt.Errorf("intermediary balance %s outside of channel funds %s", intermediaryBalance, totalFunds)
	}

	var role Participant
	switch crypto.PubkeyToAddress(c.Signer.PublicKey) {
	case c.Owner:
		role = ParticipantOwner
	case c.Intermediary:
		role = ParticipantIntermediary
	default:
		return nil, ErrNotAParticipant
	}

	channel := &Channel{
		address:     c.ChannelAddress,
		chain:       c.Chain,
		owner:       c.Owner,
		intermed:    c.Intermediary,
		totalFunds:  totalFunds,
		signer:      c.Signer,
		role:        role,
		htlcTimeout: c.HTLCTimeout,
		now:         c.Now,
	}
	if channel.htlcTimeout == 0 {
		channel.htlcTimeout = DefaultHTLCTimeout
	}
	if channel.now == nil {
		channel.now = time.Now
	}
	channel.log = []SignedState{{
		State: ChannelState{
			Owner:               c.Owner,
			Intermediary:        c.Intermediary,
			TurnNum:             0,
			IntermediaryBalance: intermediaryBalance,
			HTLCs:               []HTLC{},
		},
	}}
	return channel, nil
}

// Address returns the address of the wallet contract of the channel.
func (c *Channel) Address() common.Address {
	return c.address
}

// Chain returns the id of the chain the channel is hosted on.
func (c *Channel) Chain() chains.ChainID {
	return c.chain
}

func (c *Channel) Owner() common.Address {
	return c.owner
}

func (c *Channel) Intermediary() common.Address {
	return c.intermed
}

// TotalFunds returns the funds custodied by the channel's wallet contract.
func (c *Channel) TotalFunds() *big.Int {
	return new(big.Int).Set(c.totalFunds)
}

// HTLCTimeout returns the timeout window used for HTLC timelocks.
func (c *Channel) HTLCTimeout() time.Duration {
	return c.htlcTimeout
}

// MyRole returns the local participant's role.
func (c *Channel) MyRole() Participant {
	return c.role
}

// TheirRole returns the remote participant's role.
func (c *Channel) TheirRole() Participant {
	return c.role.Other()
}

// SignHash signs the hash with the local participant's key. It is used to
// countersign artifacts other than channel states, such as user operations.
func (c *Channel) SignHash(hash common.Hash) ([]byte, error) {
	return SignHash(hash, c.signer)
}

// addressOf returns the address of the participant.
func (c *Channel) addressOf(p Participant) common.Address {
	if p == ParticipantOwner {
		return c.owner
	}
	return c.intermed
}

// LatestState returns the most recent state agreed by both participants.
func (c *Channel) LatestState() (ChannelState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, err := c.latest()
	if err != nil {
		return ChannelState{}, err
	}
	return ss.State.Clone(), nil
}

// LatestSignedState returns the most recent agreed state with its
// signatures. The genesis state has no signatures.
func (c *Channel) LatestSignedState() (SignedState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ss, err := c.latest()
	if err != nil {
		return SignedState{}, err
	}
	ss.State = ss.State.Clone()
	return ss, nil
}

func (c *Channel) latest() (SignedState, error) {
	if len(c.log) == 0 {
		return SignedState{}, ErrNoAgreedState
	}
	return c.log[len(c.log)-1], nil
}

// History returns every agreed state in turn order, genesis first.
func (c *Channel) History() []SignedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SignedState, len(c.log))
	for i, ss := range c.log {
		ss.State = ss.State.Clone()
		out[i] = ss
	}
	return out
}

// AddSignedState appends a state that both participants have signed to the
// log. The state must be the next turn, and both signatures must recover to
// the channel's owner and intermediary. On any error the log is unchanged.
func (c *Channel) AddSignedState(ss SignedState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addSignedState(ss)
}

func (c *Channel) addSignedState(ss SignedState) error {
	latest, err := c.latest()
	if err != nil {
		return err
	}
	err = c.validateTransition(latest.State, ss.State)
	if err != nil {
		return err
	}
	err = VerifySignedState(ss)
	if err != nil {
		return fmt.Errorf("verifying signed state turn %d: %w", ss.State.TurnNum, err)
	}
	ss.State = ss.State.Clone()
	ss.OwnerSignature = append([]byte(nil), ss.OwnerSignature...)
	ss.IntermediarySignature = append([]byte(nil), ss.IntermediarySignature...)
	c.log = append(c.log, ss)
	return nil
}

// validateTransition checks the invariants every agreed state must hold
// relative to the previous agreed state.
func (c *Channel) validateTransition(prev, next ChannelState) error {
	if next.TurnNum != prev.TurnNum+1 {
		return fmt.Errorf("%w: turn %d does not follow turn %d", ErrInvalidStateUpdate, next.TurnNum, prev.TurnNum)
	}
	if next.Owner != c.owner || next.Intermediary != c.intermed {
		return fmt.Errorf("%w: participants %s/%s are not the channel's %s/%s",
			ErrInvalidStateUpdate, next.Owner, next.Intermediary, c.owner, c.intermed)
	}
	if next.IntermediaryBalance == nil || next.IntermediaryBalance.Sign() < 0 {
		return fmt.Errorf("%w: intermediary balance is negative", ErrInvalidStateUpdate)
	}
	if next.OwnerBalance(c.totalFunds).Sign() < 0 {
		return fmt.Errorf("%w: balances exceed channel funds %s", ErrInvalidStateUpdate, c.totalFunds)
	}
	seen := map[common.Hash]bool{}
	for _, h := range next.HTLCs {
		if h.Amount == nil || h.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: htlc %s amount must be greater than 0", ErrInvalidStateUpdate, h.HashLock)
		}
		if h.Beneficiary != ParticipantOwner && h.Beneficiary != ParticipantIntermediary {
			return fmt.Errorf("%w: htlc %s has unknown beneficiary %d", ErrInvalidStateUpdate, h.HashLock, h.Beneficiary)
		}
		if seen[h.HashLock] {
			return fmt.Errorf("%w: duplicate htlc %s", ErrInvalidStateUpdate, h.HashLock)
		}
		seen[h.HashLock] = true
	}
	return nil
}

// HasHTLC returns true if the latest agreed state holds an HTLC unlocked by
// the preimage.
func (c *Channel) HasHTLC(preimage Preimage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	latest, err := c.latest()
	if err != nil {
		return false
	}
	_, _, ok := findHTLC(latest.State, preimage)
	return ok
}

// HTLC returns the HTLC with the hash lock in the latest agreed state.
func (c *Channel) HTLC(hashLock common.Hash) (HTLC, bool) {
	s, err := c.LatestState()
	if err != nil {
		return HTLC{}, false
	}
	return s.HTLC(hashLock)
}

// Balances returns the owner's and the intermediary's balance in the latest
// agreed state. Amounts locked in HTLCs are in neither balance.
func (c *Channel) Balances() (owner, intermediary *big.Int, err error) {
	s, err := c.LatestState()
	if err != nil {
		return nil, nil, err
	}
	return s.OwnerBalance(c.totalFunds), s.IntermediaryBalance, nil
}

// Snapshot is a point in time view of a channel.
type Snapshot struct {
	ChannelAddress      common.Address
	Chain               chains.ChainID
	Owner               common.Address
	Intermediary        common.Address
	Role                string
	TotalFunds          *big.Int
	OwnerBalance        *big.Int
	IntermediaryBalance *big.Int
	Latest              SignedState
	Turns               int
}

// Snapshot returns a view of the channel and its latest agreed state.
func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ChannelAddress: c.address,
		Chain:          c.chain,
		Owner:          c.owner,
		Intermediary:   c.intermed,
		Role:           c.role.String(),
		TotalFunds:     new(big.Int).Set(c.totalFunds),
		Turns:          len(c.log),
	}
	if latest, err := c.latest(); err == nil {
		s.Latest = latest
		s.Latest.State = latest.State.Clone()
		s.OwnerBalance = latest.State.OwnerBalance(c.totalFunds)
		s.IntermediaryBalance = cloneBig(latest.State.IntermediaryBalance)
	}
	return s
}
