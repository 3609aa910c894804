package main

import (
    "fmt"
    "os"

    "github.com/spf13/cobra"

    corecli "github.com/amirimatin/go-clustercore/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        fmt.Fprintln(os.Stderr, "corectl:", err)
        os.Exit(1)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "corectl",
        Short:         "cluster consensus core: run a node, set up a cluster, invite nodes",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    corecli.AddAll(root)
    return root
}
