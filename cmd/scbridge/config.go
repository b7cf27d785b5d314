package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/evm"
)

// defaultEntryPoint is the canonical address of the ERC-4337 v0.6 entry
// point.
const defaultEntryPoint = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"

// channelConfig is a channel the hub intermediates, as listed under the
// channels key of the config file.
type channelConfig struct {
	Address string `mapstructure:"address"`
	Chain   uint64 `mapstructure:"chain"`

	// RPC defaults to the URL of the chain in the registry.
	RPC string `mapstructure:"rpc"`

	// Listen is the address the channel's owner connects to.
	Listen string `mapstructure:"listen"`
}

func newLogger(v *viper.Viper, w io.Writer) (*log.Entry, error) {
	level, err := logrus.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	l := agent.NewLogger(w)
	l.SetLevel(level)
	return l, nil
}

func loadRegistry(v *viper.Viper) (*chains.Registry, error) {
	path := v.GetString("chains")
	if path == "" {
		return chains.Default(), nil
	}
	return chains.Load(path)
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	if s == "" {
		return nil, errors.New("--key required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("cannot parse --key: %w", err)
	}
	return key, nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("cannot parse --%s: %q is not an address", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(s string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("cannot parse amount %q: must be a positive integer", s)
	}
	return amount, nil
}

// dialer shares one connection per RPC URL.
type dialer struct {
	registry *chains.Registry

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func newDialer(r *chains.Registry) *dialer {
	return &dialer{registry: r, clients: map[string]*ethclient.Client{}}
}

func (d *dialer) dial(ctx context.Context, chain chains.ChainID, url string) (evm.Backend, error) {
	if url == "" {
		c, err := d.registry.Lookup(chain)
		if err != nil {
			return nil, err
		}
		url = c.URL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[url]; ok {
		return c, nil
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dialing chain %d at %s: %w", chain, url, err)
	}
	d.clients[url] = c
	return c, nil
}

func (d *dialer) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.clients {
		c.Close()
	}
}

// logEvents logs the events of participants until the context is done. Each
// event is then passed on to forward, if it is not nil.
func logEvents(ctx context.Context, l *log.Entry, events <-chan interface{}, forward chan<- interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			logEvent(l, e)
			if forward == nil {
				continue
			}
			select {
			case forward <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

func logEvent(l *log.Entry, e interface{}) {
	switch e := e.(type) {
	case agent.ErrorEvent:
		l.WithError(e.Err).Error("error")
	case agent.HTLCAddedEvent:
		l.WithFields(log.F{
			"channel": e.Channel.Hex(),
			"turn":    e.State.State.TurnNum,
			"hash":    e.HTLC.HashLock.Hex(),
			"amount":  e.HTLC.Amount.String(),
		}).Info("htlc added")
	case agent.HTLCUnlockedEvent:
		l.WithFields(log.F{
			"channel": e.Channel.Hex(),
			"turn":    e.State.State.TurnNum,
			"hash":    e.Preimage.HashLock().Hex(),
		}).Info("htlc unlocked")
	case agent.InvoiceIssuedEvent:
		l.WithFields(log.F{
			"hash":   e.Invoice.HashLock.Hex(),
			"amount": e.Invoice.Amount.String(),
			"chain":  uint64(e.Invoice.Chain),
		}).Info("invoice issued")
	case agent.PaymentReceivedEvent:
		l.WithField("hash", e.HashLock.Hex()).Info("payment received")
	case agent.UserOperationRelayedEvent:
		l.WithFields(log.F{
			"channel": e.Channel.Hex(),
			"hash":    e.Hash.Hex(),
			"tx":      e.TxHash.Hex(),
		}).Info("user operation relayed")
	case agent.StatusChangedEvent:
		l.WithFields(log.F{
			"channel": e.Channel.Hex(),
			"before":  e.Before.String(),
			"after":   e.After.String(),
		}).Warn("channel status changed")
	default:
		l.Debugf("event %#v", e)
	}
}
