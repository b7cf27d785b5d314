package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newChainsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the chains of the registry and their exchange rates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry(v)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSYMBOL\tRATE\tURL")
			for _, c := range registry.Chains() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Symbol, c.ExchangeRate.String(), c.URL)
			}
			return w.Flush()
		},
	}
}
