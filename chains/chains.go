// Package chains contains the registry of networks that channels can be
// hosted on, and the exchange rate of each network's native token against a
// common reference unit (USD).
package chains

import (
	"errors"
	"fmt"
	"io/ioutil"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// ErrUnknownChain indicates that a chain id is not present in the registry.
var ErrUnknownChain = errors.New("unknown chain")

// ChainID identifies a blockchain network.
type ChainID uint64

// Chain describes a network that channel wallets can be deployed on.
type Chain struct {
	ID       ChainID
	Name     string
	Symbol   string
	URL      string
	Explorer string

	// ExchangeRate is the value of one native token of the chain in the
	// reference unit. Rates of two chains convert amounts between them.
	ExchangeRate decimal.Decimal
}

// Registry is a read-only lookup of chains by id. The zero value is an empty
// registry.
type Registry struct {
	chains map[ChainID]Chain
}

// NewRegistry builds a registry from the given chains. Later entries with the
// same id replace earlier ones.
func NewRegistry(chains ...Chain) *Registry {
	r := &Registry{chains: make(map[ChainID]Chain, len(chains))}
	for _, c := range chains {
		r.chains[c.ID] = c
	}
	return r
}

// Default returns a registry containing the networks the bridge is deployed
// on.
func Default() *Registry {
	return NewRegistry(defaultChains...)
}

// Lookup returns the chain with the id, or ErrUnknownChain.
func (r *Registry) Lookup(id ChainID) (Chain, error) {
	c, ok := r.chains[id]
	if !ok {
		return Chain{}, fmt.Errorf("looking up chain %d: %w", id, ErrUnknownChain)
	}
	return c, nil
}

// Chains returns all chains in the registry ordered by id.
func (r *Registry) Chains() []Chain {
	out := make([]Chain, 0, len(r.chains))
	for _, c := range r.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type chainFile struct {
	ChainID      uint64 `yaml:"chainID"`
	Name         string `yaml:"name"`
	Symbol       string `yaml:"symbol"`
	URL          string `yaml:"url"`
	Explorer     string `yaml:"explorer"`
	ExchangeRate string `yaml:"exchangeRate"`
}

// Parse parses a YAML list of chains.
func Parse(b []byte) ([]Chain, error) {
	var rows []chainFile
	err := yaml.Unmarshal(b, &rows)
	if err != nil {
		return nil, fmt.Errorf("decoding chains: %w", err)
	}
	chains := make([]Chain, 0, len(rows))
	for _, row := range rows {
		rate, err := decimal.NewFromString(row.ExchangeRate)
		if err != nil {
			return nil, fmt.Errorf("parsing exchange rate of chain %d: %w", row.ChainID, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("exchange rate of chain %d must be positive, got %s", row.ChainID, rate)
		}
		chains = append(chains, Chain{
			ID:           ChainID(row.ChainID),
			Name:         row.Name,
			Symbol:       row.Symbol,
			URL:          row.URL,
			Explorer:     row.Explorer,
			ExchangeRate: rate,
		})
	}
	return chains, nil
}

// Load reads a YAML chain file and returns the default registry with the
// file's chains added, replacing defaults with the same id.
func Load(path string) (*Registry, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading chain file %s: %w", path, err)
	}
	chains, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("loading chain file %s: %w", path, err)
	}
	return NewRegistry(append(append([]Chain{}, defaultChains...), chains...)...), nil
}

var defaultChains = []Chain{
	{
		ID:           31337,
		Name:         "hardhat 1",
		Symbol:       "hh1ETH",
		URL:          "http://localhost:8545",
		ExchangeRate: decimal.NewFromInt(1),
	},
	{
		ID:           31338,
		Name:         "hardhat 2",
		Symbol:       "hh2ETH",
		URL:          "http://localhost:8546",
		ExchangeRate: decimal.NewFromInt(2),
	},
	{
		ID:           534351,
		Name:         "scroll",
		Symbol:       "ETH",
		URL:          "https://sepolia-rpc.scroll.io",
		ExchangeRate: decimal.NewFromInt(1),
	},
	{
		ID:           1442,
		Name:         "Polygon zkEVM Testnet",
		Symbol:       "polyETH",
		URL:          "https://rpc.public.zkevm-test.net",
		Explorer:     "https://mumbai.polygonscan.com/",
		ExchangeRate: decimal.NewFromInt(1),
	},
	{
		ID:           314159,
		Name:         "Filecoin Calibration Testnet",
		Symbol:       "tFIL",
		URL:          "https://api.calibration.node.glif.io/rpc/v1",
		Explorer:     "https://beryx.zondax.ch/",
		ExchangeRate: decimal.NewFromInt(1),
	},
	{
		ID:           5001,
		Name:         "Mantle Testnet",
		Symbol:       "MNT",
		URL:          "https://rpc.testnet.mantle.xyz",
		Explorer:     "https://testnet.mantlescan.org/",
		ExchangeRate: decimal.NewFromInt(1),
	},
	{
		ID:           11155111,
		Name:         "Sepolia Testnet",
		Symbol:       "ETH",
		URL:          "https://rpc-sepolia.rockx.com",
		Explorer:     "https://sepolia.etherscan.io/",
		ExchangeRate: decimal.NewFromInt(1),
	},
}
