package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stellar/go/support/log"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/agent/agenthttp"
	"github.com/stellar/starlight/scbridge/agent/hub"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/evm"
	"github.com/stellar/starlight/scbridge/state"
	"golang.org/x/sync/errgroup"
)

func newHubCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the intermediary of the channels listed in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(cmd, v)
		},
	}
	cmd.Flags().String("key", "", "Hex private key of the intermediary")
	cmd.Flags().String("entry-point", defaultEntryPoint, "Entry point contract user operations are relayed through")
	cmd.Flags().String("http", "", "Address to serve channel snapshots on")
	cmd.Flags().Duration("htlc-timeout", state.DefaultHTLCTimeout, "Timeout of the HTLCs of the channels")
	cmd.Flags().Duration("status-interval", agent.DefaultStatusInterval, "Interval between polls of the channels' contract status")
	return cmd
}

func runHub(cmd *cobra.Command, v *viper.Viper) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	logger, err := newLogger(v, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	registry, err := loadRegistry(v)
	if err != nil {
		return err
	}
	key, err := parseKey(v.GetString("key"))
	if err != nil {
		return err
	}
	entryPoint, err := parseAddress("entry-point", v.GetString("entry-point"))
	if err != nil {
		return err
	}
	var channels []channelConfig
	err = v.UnmarshalKey("channels", &channels)
	if err != nil {
		return fmt.Errorf("parsing channels: %w", err)
	}
	if len(channels) == 0 {
		return errors.New("no channels configured")
	}

	d := newDialer(registry)
	defer d.close()

	settlements := make([]*evm.Settlement, len(channels))
	executors := map[chains.ChainID]agent.L1Executor{}
	for i, c := range channels {
		address, err := parseAddress("channels.address", c.Address)
		if err != nil {
			return err
		}
		chain := chains.ChainID(c.Chain)
		backend, err := d.dial(ctx, chain, c.RPC)
		if err != nil {
			return err
		}
		settlements[i] = &evm.Settlement{
			Address:     address,
			Chain:       chain,
			Backend:     backend,
			Signer:      key,
			HTLCTimeout: v.GetDuration("htlc-timeout"),
		}
		if _, ok := executors[chain]; !ok {
			executors[chain] = &evm.EntryPoint{Address: entryPoint, Chain: chain, Backend: backend, Signer: key}
		}
	}

	events := make(chan interface{}, 100)
	go logEvents(ctx, logger, events, nil)

	h := hub.New(hub.Config{
		Registry:   registry,
		Executors:  executors,
		EntryPoint: entryPoint,
		Logger:     logger,
		Events:     events,
	})

	g, ctx := errgroup.WithContext(ctx)
	for i := range channels {
		c, s := channels[i], settlements[i]
		g.Go(func() error {
			return serveChannel(ctx, h, c, s, v.GetDuration("status-interval"), logger, events)
		})
	}
	if addr := v.GetString("http"); addr != "" {
		serveHTTP(ctx, g, addr, agenthttp.New(h), logger)
	}
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// serveChannel hydrates the channel, waits for its owner to connect, and
// registers it with the hub. It then watches the channel's contract until the
// channel is finalized.
func serveChannel(ctx context.Context, h *hub.Hub, c channelConfig, s *evm.Settlement, interval time.Duration, logger *log.Entry, events chan<- interface{}) error {
	config, err := s.Hydrate(ctx)
	if err != nil {
		return err
	}
	channel, err := state.NewChannel(config)
	if err != nil {
		return fmt.Errorf("creating channel %s: %w", s.Address.Hex(), err)
	}
	logger.WithField("channel", s.Address.Hex()).Infof("waiting for owner %s on %s", channel.Owner().Hex(), c.Listen)
	peer, err := agent.ServeTCP(ctx, c.Listen, agent.PeerConfig{
		Name:   channel.Owner().Hex(),
		Logger: logger,
		Events: events,
	})
	if err != nil {
		return err
	}
	defer peer.Close()
	client := agent.NewChannelClient(agent.ChannelClientConfig{
		Channel: channel,
		Peer:    peer,
		Logger:  logger,
		Events:  events,
	})
	err = h.Register(client)
	if err != nil {
		return err
	}

	w := agent.NewStatusWatcher(agent.StatusWatcherConfig{
		Channel:  s.Address,
		Status:   s,
		Interval: interval,
		Logger:   logger,
		Events:   events,
	})
	return w.Watch(ctx)
}

// serveHTTP serves the handler on the address until the context is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, addr string, handler http.Handler, logger *log.Entry) {
	srv := &http.Server{Addr: addr, Handler: handler}
	g.Go(func() error {
		logger.Infof("serving snapshots on %s", addr)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
