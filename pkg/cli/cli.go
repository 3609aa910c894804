// Package cli holds the cobra commands of corectl. Applications embedding the
// cluster core can attach them to their own root command.
package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "github.com/spf13/viper"
    "go.uber.org/zap"

    "github.com/amirimatin/go-clustercore/pkg/bootstrap"
    "github.com/amirimatin/go-clustercore/pkg/cluster"
    "github.com/amirimatin/go-clustercore/pkg/config"
    "github.com/amirimatin/go-clustercore/pkg/internal/logutil"
    ml "github.com/amirimatin/go-clustercore/pkg/membership/memberlist"
    "github.com/amirimatin/go-clustercore/pkg/observability/tracing"
    "github.com/amirimatin/go-clustercore/pkg/setup"
    "github.com/amirimatin/go-clustercore/pkg/state"
    "github.com/amirimatin/go-clustercore/pkg/state/disk"
)

// AddAll attaches every corectl subcommand to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd(), NewStatusCmd(), NewInviteCmd(), NewSetupCmd(), NewGossipCmd())
}

// NewClusterCommand returns a parent "cluster" command holding every
// subcommand.
func NewClusterCommand() *cobra.Command {
    parent := &cobra.Command{Use: "cluster", Short: "cluster management commands"}
    AddAll(parent)
    return parent
}

// configFlags binds the flags shared by node-side commands onto a viper
// instance, so that flag > env > file > default.
type configFlags struct {
    v    *viper.Viper
    path string
}

func newConfigFlags(cmd *cobra.Command) *configFlags {
    cf := &configFlags{v: config.New()}
    fs := cmd.Flags()
    fs.StringVarP(&cf.path, "config", "c", "", "config file (default ./clustercore.yaml or /etc/clustercore/clustercore.yaml)")
    fs.String("fqdn", "", "fqdn of this node")
    fs.String("data-dir", "", "directory holding settings, keys and node.json")
    fs.String("mgmt-addr", "", "peer endpoint bind address (host:port)")
    fs.String("mgmt-proto", "", "peer protocol: http|grpc")
    fs.String("raft-addr", "", "raft bind address; empty runs without consensus")
    fs.String("mem-bind", "", "gossip bind address; empty disables gossip")
    fs.String("log-level", "", "debug|info|warn|error")
    for key, flag := range map[string]string{
        "node.fqdn":       "fqdn",
        "data_dir":        "data-dir",
        "mgmt.addr":       "mgmt-addr",
        "mgmt.proto":      "mgmt-proto",
        "raft.addr":       "raft-addr",
        "membership.bind": "mem-bind",
        "log.level":       "log-level",
    } {
        _ = cf.v.BindPFlag(key, fs.Lookup(flag))
    }
    return cf
}

func (cf *configFlags) load() (*config.Config, error) { return config.Load(cf.v, cf.path) }

// NewRunCmd returns the "run" command used to start a cluster node.
func NewRunCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a cluster node",
    }
    cf := newConfigFlags(cmd)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        cfg, err := cf.load()
        if err != nil { return err }
        log, err := logutil.New(cfg.Log.Level, cfg.Log.Format == "json")
        if err != nil { return err }
        defer func() { _ = log.Sync() }()
        zap.ReplaceGlobals(log)

        ctx, cancel := signalContext()
        defer cancel()
        if cfg.Trace {
            shutdown, err := tracing.Setup(tracing.Options{Node: cfg.Node.FQDN})
            if err != nil {
                logutil.Warnf(log, "tracing setup error: %v", err)
            } else {
                defer func() { _ = shutdown(context.Background()) }()
            }
        }

        hooks := cluster.Hooks{
            OnPhaseChange: func(from, to state.Phase) { logutil.Infof(log, "node is now %s (was %s)", to, from) },
        }
        cl, err := bootstrap.Run(ctx, cfg, log, hooks)
        if err != nil { return err }
        logutil.Infof(log, "node %s running as %s", cfg.Node.FQDN, cl.Phase())
        <-ctx.Done()
        stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
        defer stop()
        return cl.Stop(stopCtx)
    }
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr    string
        timeout time.Duration
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch the status of a node as JSON",
    }
    cf := newConfigFlags(cmd)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        cfg, err := cf.load()
        if err != nil { return err }
        client, err := bootstrap.Client(cfg)
        if err != nil { return err }
        if addr == "" { addr = bootstrap.Advertise(cfg.Mgmt.Addr, "127.0.0.1") }
        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        data, err := client.GetStatus(ctx, addr)
        if err != nil { return fmt.Errorf("status error: %w", err) }
        out := cmd.OutOrStdout()
        _, _ = out.Write(data)
        if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
        return nil
    }
    cmd.Flags().StringVar(&addr, "addr", "", "peer endpoint of the node (host:port); defaults to the local node")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    return cmd
}

// NewInviteCmd returns the "invite" command. It runs beside a configured
// node, reading its data directory, and sends the invitation directly.
func NewInviteCmd() *cobra.Command {
    var timeout time.Duration
    cmd := &cobra.Command{
        Use:   "invite FQDN",
        Short: "Invite an ephemeral node into this node's cluster",
        Args:  cobra.ExactArgs(1),
    }
    cf := newConfigFlags(cmd)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        cfg, err := cf.load()
        if err != nil { return err }
        client, err := bootstrap.Client(cfg)
        if err != nil { return err }
        store, err := disk.New(cfg.DataDir)
        if err != nil { return err }
        cl, err := cluster.New(cluster.Options{
            State:     state.New(cfg.Version),
            Store:     store,
            RPCClient: client,
            PeerPort:  cfg.Mgmt.PeerPort,
            Timings:   cluster.Timings{Ceiling: timeout, Unit: timeout},
        })
        if err != nil { return err }
        defer cl.Close()
        ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
        defer cancel()
        if err := cl.Reload(ctx); err != nil { return err }
        if err := cl.Invite(ctx, args[0]); err != nil { return fmt.Errorf("invite error: %w", err) }
        fmt.Fprintf(cmd.OutOrStdout(), "%s accepted the invitation to cluster %s\n", args[0], cl.State().Identity().ClusterUUID)
        return nil
    }
    cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
    return cmd
}

// NewSetupCmd returns the "setup" command, which writes the first
// configuration of a new cluster.
func NewSetupCmd() *cobra.Command {
    var (
        settings string
        opts     setup.Options
    )
    cmd := &cobra.Command{
        Use:   "setup",
        Short: "Create a new cluster on this node from a settings file",
    }
    cf := newConfigFlags(cmd)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        cfg, err := cf.load()
        if err != nil { return err }
        store, err := disk.New(cfg.DataDir)
        if err != nil { return err }
        opts.FQDN = cfg.Node.FQDN
        res, err := setup.ReadFile(store, settings, opts)
        if err != nil { return err }
        enc := json.NewEncoder(cmd.OutOrStdout())
        enc.SetIndent("", "  ")
        return enc.Encode(res)
    }
    cmd.Flags().StringVar(&settings, "settings", "", "YAML settings file listing cluster.broker_nodes (required)")
    cmd.Flags().BoolVar(&opts.Plain, "plain-keys", false, "store the key set unsealed")
    cmd.Flags().StringVar(&opts.CAName, "ca-name", "", "common name of the generated root certificate")
    cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing configuration")
    _ = cmd.MarkFlagRequired("settings")
    return cmd
}

// NewGossipCmd returns the "gossip" command: it joins the gossip layer as an
// observer and prints membership events with the metadata peers advertise.
func NewGossipCmd() *cobra.Command {
    var (
        seeds []string
        name  string
    )
    cmd := &cobra.Command{
        Use:   "gossip",
        Short: "Watch gossip membership events",
    }
    cf := newConfigFlags(cmd)
    cmd.RunE = func(cmd *cobra.Command, args []string) error {
        cfg, err := cf.load()
        if err != nil { return err }
        if cfg.Membership.Bind == "" { return fmt.Errorf("membership.bind (--mem-bind) is required") }
        if len(seeds) == 0 { seeds = cfg.Membership.Seeds }
        if name == "" { name = cfg.Node.FQDN + "/watch" }
        log, err := logutil.New(cfg.Log.Level, cfg.Log.Format == "json")
        if err != nil { return err }
        ctx, cancel := signalContext()
        defer cancel()

        m, err := ml.New(ml.Options{NodeID: name, Bind: cfg.Membership.Bind, Advertise: cfg.Membership.Advertise, Logger: log})
        if err != nil { return err }
        if err := m.Start(ctx); err != nil { return err }
        defer func() {
            _ = m.Leave()
            _ = m.Stop()
        }()
        if len(seeds) > 0 {
            if err := m.Join(seeds); err != nil { logutil.Warnf(log, "join error: %v", err) }
        }
        out := cmd.OutOrStdout()
        fmt.Fprintln(out, "watching gossip, press Ctrl+C to exit")
        evch := m.Events()
        for {
            select {
            case <-ctx.Done():
                return nil
            case e, ok := <-evch:
                if !ok { return nil }
                fmt.Fprintf(out, "%s %-6s %s addr=%s serial=%d mgmt=%s raft=%s\n",
                    e.At.Format(time.RFC3339), e.Type, e.Member.ID, e.Member.Addr, e.Member.Serial(), e.Member.Mgmt(), e.Member.Raft())
            }
        }
    }
    cmd.Flags().StringSliceVar(&seeds, "join", nil, "gossip seeds (host:port); defaults to membership.seeds")
    cmd.Flags().StringVar(&name, "name", "", "gossip name of the observer")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
