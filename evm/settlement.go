package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/state"
)

var _ agent.StatusGetter = &Settlement{}
var _ agent.Hydrator = &Settlement{}

// Settlement is the settlement contract of a channel's wallet. It reads the
// channel's on-chain configuration and status, and submits the transactions
// that settle the channel on-chain.
type Settlement struct {
	Address common.Address
	Chain   chains.ChainID
	Backend Backend

	// Signer is the key of the local participant. It signs transactions, and
	// is the signer of the channels Hydrate configures.
	Signer *ecdsa.PrivateKey

	// HTLCTimeout is set on the configuration Hydrate returns.
	HTLCTimeout time.Duration
}

func (s *Settlement) contract() *bind.BoundContract {
	return bind.NewBoundContract(s.Address, settlementABI, s.Backend, s.Backend, s.Backend)
}

func (s *Settlement) call(ctx context.Context, method string) (interface{}, error) {
	var out []interface{}
	err := s.contract().Call(&bind.CallOpts{Context: ctx}, &out, method)
	if err != nil {
		return nil, fmt.Errorf("calling %s of %s: %w", method, s.Address.Hex(), err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("calling %s of %s: got %d results", method, s.Address.Hex(), len(out))
	}
	return out[0], nil
}

// GetStatus returns the status of the channel.
func (s *Settlement) GetStatus(ctx context.Context) (agent.ChannelStatus, error) {
	out, err := s.call(ctx, "getStatus")
	if err != nil {
		return 0, err
	}
	status := *abi.ConvertType(out, new(uint8)).(*uint8)
	if status > uint8(agent.ChannelStatusFinalized) {
		return 0, fmt.Errorf("unknown status %d of %s", status, s.Address.Hex())
	}
	return agent.ChannelStatus(status), nil
}

// Hydrate reads the participants, the intermediary's balance, and the funds
// of the channel, and returns the configuration of the local participant's
// channel.
func (s *Settlement) Hydrate(ctx context.Context) (state.Config, error) {
	owner, err := s.call(ctx, "owner")
	if err != nil {
		return state.Config{}, err
	}
	intermediary, err := s.call(ctx, "intermediary")
	if err != nil {
		return state.Config{}, err
	}
	intermediaryBalance, err := s.call(ctx, "intermediaryBalance")
	if err != nil {
		return state.Config{}, err
	}
	totalFunds, err := s.Backend.BalanceAt(ctx, s.Address, nil)
	if err != nil {
		return state.Config{}, fmt.Errorf("getting balance of %s: %w", s.Address.Hex(), err)
	}
	return state.Config{
		ChannelAddress:      s.Address,
		Chain:               s.Chain,
		Owner:               *abi.ConvertType(owner, new(common.Address)).(*common.Address),
		Intermediary:        *abi.ConvertType(intermediary, new(common.Address)).(*common.Address),
		TotalFunds:          totalFunds,
		IntermediaryBalance: abi.ConvertType(intermediaryBalance, new(big.Int)).(*big.Int),
		Signer:              s.Signer,
		HTLCTimeout:         s.HTLCTimeout,
	}, nil
}

func (s *Settlement) transact(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	opts, err := transactOpts(ctx, s.Signer, s.Chain)
	if err != nil {
		return nil, err
	}
	tx, err := s.contract().Transact(opts, method, params...)
	if err != nil {
		return nil, fmt.Errorf("submitting %s to %s: %w", method, s.Address.Hex(), err)
	}
	return tx, nil
}

// Challenge submits the fully signed state to the contract, starting the
// challenge period after which the channel can be reclaimed.
func (s *Settlement) Challenge(ctx context.Context, ss state.SignedState) (*types.Transaction, error) {
	if !ss.FullySigned() {
		return nil, fmt.Errorf("challenging with turn %d: state is not fully signed", ss.State.TurnNum)
	}
	v, err := state.ABIValue(ss.State)
	if err != nil {
		return nil, err
	}
	return s.transact(ctx, "challenge", v, []byte(ss.OwnerSignature), []byte(ss.IntermediarySignature))
}

// UnlockHTLC reveals the preimage of an HTLC of the challenged state to the
// contract.
func (s *Settlement) UnlockHTLC(ctx context.Context, hashLock common.Hash, preimage state.Preimage) (*types.Transaction, error) {
	return s.transact(ctx, "unlockHTLC", [32]byte(hashLock), preimage[:])
}

// Reclaim distributes the funds of the channel once the challenge period has
// passed.
func (s *Settlement) Reclaim(ctx context.Context) (*types.Transaction, error) {
	return s.transact(ctx, "reclaim")
}
