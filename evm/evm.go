// Package evm contains the on-chain collaborators of the payment network: the
// settlement contract of a channel's wallet, and the entry point contract user
// operations are relayed through.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stellar/starlight/scbridge/chains"
)

// Backend is the connection to a chain the collaborators use. An
// *ethclient.Client is a Backend.
type Backend interface {
	bind.ContractBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

const stateComponents = `[
	{"name":"owner","type":"address"},
	{"name":"intermediary","type":"address"},
	{"name":"turnNum","type":"uint256"},
	{"name":"intermediaryBalance","type":"uint256"},
	{"name":"htlcs","type":"tuple[]","components":[
		{"name":"to","type":"uint8"},
		{"name":"amount","type":"uint256"},
		{"name":"hashLock","type":"bytes32"},
		{"name":"timelock","type":"uint256"}
	]}
]`

// settlementABI is the subset of the channel wallet's interface used to read
// and settle channels.
var settlementABI = mustParseABI(`[
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"intermediary","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"intermediaryBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getStatus","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"challenge","stateMutability":"nonpayable","inputs":[
		{"name":"state","type":"tuple","components":` + stateComponents + `},
		{"name":"ownerSignature","type":"bytes"},
		{"name":"intermediarySignature","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"unlockHTLC","stateMutability":"nonpayable","inputs":[
		{"name":"hashLock","type":"bytes32"},
		{"name":"preimage","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"reclaim","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`)

// entryPointABI is the subset of the ERC-4337 v0.6 entry point interface used
// to relay user operations.
var entryPointABI = mustParseABI(`[
	{"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
		{"name":"ops","type":"tuple[]","components":[
			{"name":"sender","type":"address"},
			{"name":"nonce","type":"uint256"},
			{"name":"initCode","type":"bytes"},
			{"name":"callData","type":"bytes"},
			{"name":"callGasLimit","type":"uint256"},
			{"name":"verificationGasLimit","type":"uint256"},
			{"name":"preVerificationGas","type":"uint256"},
			{"name":"maxFeePerGas","type":"uint256"},
			{"name":"maxPriorityFeePerGas","type":"uint256"},
			{"name":"paymasterAndData","type":"bytes"},
			{"name":"signature","type":"bytes"}
		]},
		{"name":"beneficiary","type":"address"}
	],"outputs":[]}
]`)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

func transactOpts(ctx context.Context, key *ecdsa.PrivateKey, chain chains.ChainID) (*bind.TransactOpts, error) {
	if key == nil {
		return nil, fmt.Errorf("no key to sign transactions on chain %d", chain)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(uint64(chain)))
	if err != nil {
		return nil, fmt.Errorf("creating transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}
