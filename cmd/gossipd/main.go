package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    gossipcli "github.com/amirimatin/go-gossip/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "gossipd",
        Short:         "go-gossip node and management CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    gossipcli.AddAll(root)
    return root
}
