package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Participant is the role of a party in a channel. It is also used on an HTLC
// to indicate which party is paid when the HTLC is unlocked.
type Participant uint8

const (
	ParticipantOwner        Participant = 0
	ParticipantIntermediary Participant = 1
)

func (p Participant) String() string {
	switch p {
	case ParticipantOwner:
		return "owner"
	case ParticipantIntermediary:
		return "intermediary"
	}
	return fmt.Sprintf("participant(%d)", uint8(p))
}

// Other returns the counterparty role.
func (p Participant) Other() Participant {
	if p == ParticipantOwner {
		return ParticipantIntermediary
	}
	return ParticipantOwner
}

// HTLC is a hash time locked payment embedded in a channel state. It pays
// Amount to Beneficiary if the preimage of HashLock is revealed before
// Timelock.
type HTLC struct {
	Beneficiary Participant `json:"to"`
	Amount      *big.Int    `json:"amount"`
	HashLock    common.Hash `json:"hashLock"`
	// Timelock is a unix timestamp in seconds.
	Timelock uint64 `json:"timelock"`
}

// Equal returns true if both HTLCs have identical fields.
func (h HTLC) Equal(o HTLC) bool {
	return h.Beneficiary == o.Beneficiary &&
		bigEqual(h.Amount, o.Amount) &&
		h.HashLock == o.HashLock &&
		h.Timelock == o.Timelock
}

// ChannelState is the ledger of a channel at a turn. The owner's balance is
// implicit: it is whatever of the channel's funds is neither claimed by the
// intermediary nor locked in an HTLC.
type ChannelState struct {
	Owner               common.Address `json:"owner"`
	Intermediary        common.Address `json:"intermediary"`
	TurnNum             uint64         `json:"turnNum"`
	IntermediaryBalance *big.Int       `json:"intermediaryBalance"`
	HTLCs               []HTLC         `json:"htlcs"`
}

// Clone returns a deep copy of the state.
func (s ChannelState) Clone() ChannelState {
	c := s
	c.IntermediaryBalance = cloneBig(s.IntermediaryBalance)
	c.HTLCs = make([]HTLC, len(s.HTLCs))
	for i, h := range s.HTLCs {
		h.Amount = cloneBig(h.Amount)
		c.HTLCs[i] = h
	}
	return c
}

// Equal returns true if both states have identical fields, including the
// order of HTLCs.
func (s ChannelState) Equal(o ChannelState) bool {
	if s.Owner != o.Owner || s.Intermediary != o.Intermediary || s.TurnNum != o.TurnNum {
		return false
	}
	if !bigEqual(s.IntermediaryBalance, o.IntermediaryBalance) {
		return false
	}
	if len(s.HTLCs) != len(o.HTLCs) {
		return false
	}
	for i := range s.HTLCs {
		if !s.HTLCs[i].Equal(o.HTLCs[i]) {
			return false
		}
	}
	return true
}

// Locked returns the total amount held in the state's HTLCs.
func (s ChannelState) Locked() *big.Int {
	sum := new(big.Int)
	for _, h := range s.HTLCs {
		sum.Add(sum, h.Amount)
	}
	return sum
}

// OwnerBalance returns the amount of totalFunds the owner can spend in the
// state.
func (s ChannelState) OwnerBalance(totalFunds *big.Int) *big.Int {
	b := new(big.Int).Set(totalFunds)
	b.Sub(b, s.IntermediaryBalance)
	b.Sub(b, s.Locked())
	return b
}

// HTLC returns the HTLC with the hash lock, if present.
func (s ChannelState) HTLC(hashLock common.Hash) (HTLC, bool) {
	for _, h := range s.HTLCs {
		if h.HashLock == hashLock {
			return h, true
		}
	}
	return HTLC{}, false
}

// SignedState is a channel state with the signatures the participants have
// provided. A missing signature is empty.
type SignedState struct {
	State                 ChannelState  `json:"state"`
	OwnerSignature        hexutil.Bytes `json:"ownerSignature,omitempty"`
	IntermediarySignature hexutil.Bytes `json:"intermediarySignature,omitempty"`
}

// Signature returns the signature of the participant.
func (ss SignedState) Signature(p Participant) []byte {
	if p == ParticipantOwner {
		return ss.OwnerSignature
	}
	return ss.IntermediarySignature
}

// WithSignature returns a copy of the signed state with the participant's
// signature set.
func (ss SignedState) WithSignature(p Participant, sig []byte) SignedState {
	sig = append([]byte(nil), sig...)
	if p == ParticipantOwner {
		ss.OwnerSignature = sig
	} else {
		ss.IntermediarySignature = sig
	}
	return ss
}

// FullySigned returns true if both signature slots are populated. It does not
// verify the signatures.
func (ss SignedState) FullySigned() bool {
	return len(ss.OwnerSignature) > 0 && len(ss.IntermediarySignature) > 0
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

func cloneBig(i *big.Int) *big.Int {
	if i == nil {
		return nil
	}
	return new(big.Int).Set(i)
}
