package state

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// stateArguments is the ABI layout of a channel state as the settlement
// contract hashes it: abi.encode(State) where
//
//	struct HTLC  { uint8 to; uint256 amount; bytes32 hashLock; uint256 timelock; }
//	struct State { address owner; address intermediary; uint256 turnNum;
//	               uint256 intermediaryBalance; HTLC[] htlcs; }
var stateArguments = func() abi.Arguments {
	t, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "owner", Type: "address"},
		{Name: "intermediary", Type: "address"},
		{Name: "turnNum", Type: "uint256"},
		{Name: "intermediaryBalance", Type: "uint256"},
		{Name: "htlcs", Type: "tuple[]", Components: []abi.ArgumentMarshaling{
			{Name: "to", Type: "uint8"},
			{Name: "amount", Type: "uint256"},
			{Name: "hashLock", Type: "bytes32"},
			{Name: "timelock", Type: "uint256"},
		}},
	})
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: t}}
}()

// abiHTLC and abiState mirror the ABI tuples. Field names are the camel cased
// component names the abi package matches on.
type abiHTLC struct {
	To       uint8
	Amount   *big.Int
	HashLock [32]byte
	Timelock *big.Int
}

type abiState struct {
	Owner               common.Address
	Intermediary        common.Address
	TurnNum             *big.Int
	IntermediaryBalance *big.Int
	Htlcs               []abiHTLC
}

func toABI(s ChannelState) (abiState, error) {
	if s.IntermediaryBalance == nil || s.IntermediaryBalance.Sign() < 0 {
		return abiState{}, fmt.Errorf("intermediary balance must be non-negative")
	}
	a := abiState{
		Owner:               s.Owner,
		Intermediary:        s.Intermediary,
		TurnNum:             new(big.Int).SetUint64(s.TurnNum),
		IntermediaryBalance: s.IntermediaryBalance,
		Htlcs:               make([]abiHTLC, len(s.HTLCs)),
	}
	for i, h := range s.HTLCs {
		if h.Amount == nil || h.Amount.Sign() < 0 {
			return abiState{}, fmt.Errorf("htlc %d amount must be non-negative", i)
		}
		a.Htlcs[i] = abiHTLC{
			To:       uint8(h.Beneficiary),
			Amount:   h.Amount,
			HashLock: h.HashLock,
			Timelock: new(big.Int).SetUint64(h.Timelock),
		}
	}
	return a, nil
}

// Encode returns the canonical encoding of the state. Fields are encoded in
// a fixed order as 32 byte words, HTLCs in the order they appear.
func Encode(s ChannelState) ([]byte, error) {
	a, err := toABI(s)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	b, err := stateArguments.Pack(a)
	if err != nil {
		return nil, fmt.Errorf("encoding state: %w", err)
	}
	return b, nil
}

// ABIValue returns the state in the form the abi package packs as a State
// tuple, for use as the argument of a settlement contract call.
func ABIValue(s ChannelState) (interface{}, error) {
	a, err := toABI(s)
	if err != nil {
		return nil, err
	}
	return a, nil
}
