package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stellar/starlight/scbridge/agent"
)

func newPayCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay <amount>",
		Short: "Pay an owner on any chain through the hub",
		Long: "Pay connects to the payee, requests an invoice of the amount in the native " +
			"token of the payer's chain, and pays it through the hub to the payee's channel.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			target, err := parseAddress("target", v.GetString("target"))
			if err != nil {
				return err
			}
			payeeAddr := v.GetString("payee")
			if payeeAddr == "" {
				return errors.New("--payee required")
			}

			observed := make(chan interface{}, 100)
			s, err := startOwner(ctx, cmd, v, observed)
			if err != nil {
				return err
			}
			defer s.close()

			payee, err := agent.ConnectTCP(ctx, payeeAddr, agent.PeerConfig{Logger: s.logger, Events: s.events})
			if err != nil {
				return err
			}
			defer payee.Close()
			err = payee.Start(s.owner)
			if err != nil {
				return err
			}

			inv, err := s.owner.Pay(ctx, payee, target, amount)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "paid invoice:", inv.HashLock.Hex())
			err = waitClaimed(ctx, observed, inv.HashLock)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "claimed invoice:", inv.HashLock.Hex())
			return nil
		},
	}
	addOwnerFlags(cmd.Flags())
	cmd.Flags().String("payee", "", "Address of the payee's invoice listener")
	cmd.Flags().String("target", "", "Address of the payee's channel wallet")
	return cmd
}

// waitClaimed waits for the HTLC of the hash lock to be unlocked, which
// happens once the hub learns the payee's preimage.
func waitClaimed(ctx context.Context, events <-chan interface{}, hashLock common.Hash) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for invoice %s to be claimed: %w", hashLock.Hex(), ctx.Err())
		case e := <-events:
			if e, ok := e.(agent.HTLCUnlockedEvent); ok && e.Preimage.Matches(hashLock) {
				return nil
			}
		}
	}
}

func newTransferCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <to> <amount>",
		Short: "Transfer native tokens out of the channel wallet on its chain",
		Long: "Transfer builds a user operation of the wallet, has the hub countersign and " +
			"relay it through the entry point, and prints the operation's hash.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			to, err := parseAddress("to", args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}

			s, err := startOwner(ctx, cmd, v, nil)
			if err != nil {
				return err
			}
			defer s.close()

			hash, err := s.owner.PayL1(ctx, to, amount)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "user operation:", hash.Hex())
			return nil
		},
	}
	addOwnerFlags(cmd.Flags())
	return cmd
}
