// Command scbridge runs the participants of a cross-chain HTLC payment
// network: the hub intermediating channels on several chains, and the owners
// of those channels.
package main

import (
	"context"
	"fmt"
	"os"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(context.Background())
}
