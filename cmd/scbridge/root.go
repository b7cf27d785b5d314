package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("scbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "scbridge",
		Short:         "Cross-chain HTLC payment channel hub and owner",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := v.BindPFlags(cmd.Flags())
			if err != nil {
				return err
			}
			path := v.GetString("config")
			if path == "" {
				return nil
			}
			v.SetConfigFile(path)
			err = v.ReadInConfig()
			if err != nil {
				return fmt.Errorf("reading config %s: %w", path, err)
			}
			return nil
		},
	}
	cmd.PersistentFlags().String("config", "", "Config file (YAML)")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("chains", "", "Chain registry file (YAML), defaults to the built-in networks")

	cmd.AddCommand(
		newChainsCmd(v),
		newHubCmd(v),
		newOwnerCmd(v),
		newPayCmd(v),
		newTransferCmd(v),
	)
	return cmd
}
