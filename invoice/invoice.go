// Package invoice contains the payment request a payee issues to a payer, and
// the conversion of invoices between chains.
package invoice

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stellar/starlight/scbridge/chains"
)

// Invoice is a requested payment of an amount denominated in the native token
// of a chain, payable to whoever can reveal the preimage of the hash lock.
type Invoice struct {
	Amount   *big.Int       `json:"amount"`
	Chain    chains.ChainID `json:"chain"`
	HashLock common.Hash    `json:"hashLock"`
}

// Validate checks that the invoice is payable.
func (i Invoice) Validate() error {
	if i.Amount == nil || i.Amount.Sign() <= 0 {
		return errors.New("invoice amount must be greater than 0")
	}
	if i.HashLock == (common.Hash{}) {
		return errors.New("invoice hash lock is empty")
	}
	return nil
}

// Convert rewrites the invoice so that it is denominated on the to chain,
// using the exchange rates of the registry:
//
//	amount(to) = amount(from) × rate(from) / rate(to)
//
// The result is truncated toward zero. An invoice already on the to chain is
// returned unchanged.
func Convert(r *chains.Registry, inv Invoice, to chains.ChainID) (Invoice, error) {
	if inv.Chain == to {
		return inv, nil
	}
	source, err := r.Lookup(inv.Chain)
	if err != nil {
		return Invoice{}, fmt.Errorf("converting invoice from chain %d: %w", inv.Chain, err)
	}
	target, err := r.Lookup(to)
	if err != nil {
		return Invoice{}, fmt.Errorf("converting invoice to chain %d: %w", to, err)
	}
	if inv.Amount == nil {
		return Invoice{}, errors.New("converting invoice: amount is missing")
	}

	value := decimal.NewFromBigInt(inv.Amount, 0).Mul(source.ExchangeRate)
	converted := value.Div(target.ExchangeRate).Truncate(0)

	return Invoice{
		Amount:   converted.BigInt(),
		Chain:    target.ID,
		HashLock: inv.HashLock,
	}, nil
}
