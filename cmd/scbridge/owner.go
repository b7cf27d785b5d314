package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/agent/agenthttp"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/evm"
	"github.com/stellar/starlight/scbridge/state"
	"golang.org/x/sync/errgroup"
)

func addOwnerFlags(fs *pflag.FlagSet) {
	fs.String("key", "", "Hex private key of the owner")
	fs.String("channel", "", "Address of the owner's channel wallet")
	fs.Uint64("chain", 0, "Chain id hosting the channel")
	fs.String("rpc", "", "RPC URL of the chain, defaults to the URL in the registry")
	fs.String("hub", "", "Address of the hub's listener for the channel")
	fs.String("entry-point", defaultEntryPoint, "Entry point contract user operations are relayed through")
	fs.Uint64("nonce", 0, "Nonce of the next user operation of the wallet")
	fs.Duration("htlc-timeout", state.DefaultHTLCTimeout, "Timeout of the HTLCs of the channel")
}

// ownerSession is a running owner connected to its hub.
type ownerSession struct {
	owner  *agent.Owner
	logger *log.Entry
	events chan interface{}
	close  func()
}

// startOwner connects the owner of the configured channel to its hub. Events
// of the session are logged, then passed on to observed if it is not nil.
func startOwner(ctx context.Context, cmd *cobra.Command, v *viper.Viper, observed chan<- interface{}) (*ownerSession, error) {
	logger, err := newLogger(v, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	registry, err := loadRegistry(v)
	if err != nil {
		return nil, err
	}
	key, err := parseKey(v.GetString("key"))
	if err != nil {
		return nil, err
	}
	address, err := parseAddress("channel", v.GetString("channel"))
	if err != nil {
		return nil, err
	}
	entryPoint, err := parseAddress("entry-point", v.GetString("entry-point"))
	if err != nil {
		return nil, err
	}
	hubAddr := v.GetString("hub")
	if hubAddr == "" {
		return nil, errors.New("--hub required")
	}
	chain := chains.ChainID(v.GetUint64("chain"))
	if _, err := registry.Lookup(chain); err != nil {
		return nil, err
	}

	d := newDialer(registry)
	backend, err := d.dial(ctx, chain, v.GetString("rpc"))
	if err != nil {
		return nil, err
	}
	settlement := &evm.Settlement{
		Address:     address,
		Chain:       chain,
		Backend:     backend,
		Signer:      key,
		HTLCTimeout: v.GetDuration("htlc-timeout"),
	}
	config, err := settlement.Hydrate(ctx)
	if err != nil {
		d.close()
		return nil, err
	}
	channel, err := state.NewChannel(config)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("creating channel %s: %w", address.Hex(), err)
	}

	events := make(chan interface{}, 100)
	go logEvents(ctx, logger, events, observed)

	peer, err := agent.ConnectTCP(ctx, hubAddr, agent.PeerConfig{
		Name:   channel.Intermediary().Hex(),
		Logger: logger,
		Events: events,
	})
	if err != nil {
		d.close()
		return nil, err
	}
	client := agent.NewChannelClient(agent.ChannelClientConfig{
		Channel: channel,
		Peer:    peer,
		Logger:  logger,
		Events:  events,
	})
	owner, err := agent.NewOwner(agent.OwnerConfig{
		Client:     client,
		EntryPoint: entryPoint,
		Nonce:      v.GetUint64("nonce"),
		Logger:     logger,
		Events:     events,
	})
	if err != nil {
		peer.Close()
		d.close()
		return nil, err
	}
	return &ownerSession{
		owner:  owner,
		logger: logger,
		events: events,
		close: func() {
			peer.Close()
			d.close()
		},
	}, nil
}

func newOwnerCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "owner",
		Short: "Run the owner of a channel, issuing invoices to payers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOwner(cmd, v)
		},
	}
	addOwnerFlags(cmd.Flags())
	cmd.Flags().String("listen", "", "Address to accept payers' invoice requests on")
	cmd.Flags().String("http", "", "Address to serve the channel snapshot on")
	return cmd
}

func runOwner(cmd *cobra.Command, v *viper.Viper) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	s, err := startOwner(ctx, cmd, v, nil)
	if err != nil {
		return err
	}
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)
	if addr := v.GetString("listen"); addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		s.logger.Infof("accepting invoice requests on %s", ln.Addr())
		g.Go(func() error {
			return agent.ListenTCP(ln, agent.PeerConfig{Logger: s.logger, Events: s.events}, s.owner)
		})
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
	}
	if addr := v.GetString("http"); addr != "" {
		serveHTTP(ctx, g, addr, agenthttp.New(s.owner), s.logger)
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.owner.Client().Peer().Done():
			return errors.New("connection to hub closed")
		}
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
