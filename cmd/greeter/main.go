package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"greeter/internal/app"
	"greeter/internal/config"
	greetersdk "greeter/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "greeter",
	Short: "Greeter cluster node and client",
	Long: `Greeter keeps exactly one greeting service instance alive across a cluster of nodes.
- Node: one greeter process; all nodes share a coordination database.
- Lease: the row whose holder hosts the singleton; renewed while the holder is alive.
- Instance: the greeting service; it creates its table once, then serves hello and greeting updates.
- Supervisor: restarts a failed instance with exponential backoff.
- Any node answers requests: non-hosting nodes forward them to the lease holder.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("GREETER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", config.Path("."), "config file (defaults are used when missing)")
	flags.StringP("server", "s", "http://127.0.0.1:9000", "node URL used by client commands")
	flags.Bool("json", false, "output JSON")
	flags.String("node-id", "", "node identifier (random when empty)")
	flags.String("addr", "", "HTTP listen address")
	flags.String("advertise-addr", "", "URL peers use to reach this node")
	flags.String("storage-path", "", "SQLite database path")
	flags.String("cluster-secret", "", "shared secret for peer forwarding")
	for _, name := range []string{"config", "server", "json", "node-id", "addr", "advertise-addr", "storage-path", "cluster-secret"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(helloCmd())
	rootCmd.AddCommand(greetingCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	nodeID := viper.GetString("node-id")
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	cfg, err := config.LoadOptional(viper.GetString("config"), nodeID)
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("node-id"); v != "" {
		cfg.Node.ID = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.HTTP.Addr = v
		if viper.GetString("advertise-addr") == "" {
			cfg.Node.AdvertiseAddr = "http://" + v
		}
	}
	if v := viper.GetString("advertise-addr"); v != "" {
		cfg.Node.AdvertiseAddr = v
	}
	if v := viper.GetString("storage-path"); v != "" {
		cfg.Storage.Path = v
	}
	if v := viper.GetString("cluster-secret"); v != "" {
		cfg.Cluster.Secret = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a cluster node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", cfg.Node.ID), log.LstdFlags|log.Lmicroseconds)
			node, err := app.NewNode(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer node.Close()
			fmt.Printf("Serving Greeter API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.HTTP.Addr, cfg.HTTP.BasePath)
			return node.Run(cmd.Context())
		},
	}
}

func client() *greetersdk.Client {
	return greetersdk.New(viper.GetString("server"))
}

func helloCmd() *cobra.Command {
	var organization string
	cmd := &cobra.Command{
		Use:   "hello <id>",
		Short: "Greet someone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := client().Hello(cmd.Context(), args[0], organization)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"message": msg})
			}
			fmt.Println(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&organization, "organization", "", "organization of the greeted person")
	return cmd
}

func greetingCmd() *cobra.Command {
	g := &cobra.Command{Use: "greeting", Short: "Manage greeting messages"}
	g.AddCommand(&cobra.Command{
		Use:   "set <id> <message>",
		Short: "Change the greeting used for id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().UseGreeting(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]bool{"done": true})
			}
			fmt.Printf("greeting for %s set\n", args[0])
			return nil
		},
	})
	return g
}

func clusterCmd() *cobra.Command {
	c := &cobra.Command{Use: "cluster", Short: "Inspect the cluster"}
	c.AddCommand(clusterStatusCmd())
	c.AddCommand(clusterEventsCmd())
	return c
}

func clusterStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the lease holder, members and the local instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Cluster(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("node:  %s\n", st.NodeID)
			fmt.Printf("lease: %s epoch=%d holder=%s valid=%t expires=%s\n",
				st.Lease.Name, st.Lease.Epoch, st.Lease.HolderID, st.Lease.Valid, st.Lease.ExpiresAt)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Addr", "Leader", "Live", "Last Seen"})
			for _, m := range st.Members {
				leader := st.Leader != nil && st.Leader.ID == m.ID
				tw.AppendRow(table.Row{m.ID, m.Addr, leader, m.Live, m.LastSeen})
			}
			tw.Render()
			if s := st.Local.Supervisor; s != nil {
				fmt.Printf("instance: %s state=%s restarts=%d", s.InstanceID, s.State, s.Restarts)
				if s.LastError != "" {
					fmt.Printf(" last_error=%q next_delay=%s", s.LastError, s.NextDelay)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func clusterEventsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the latest lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := client().Events(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(events)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Node", "Instance", "Payload"})
			for _, e := range events {
				payload := ""
				if len(e.Payload) > 0 {
					b, _ := json.Marshal(e.Payload)
					payload = string(b)
				}
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.NodeID, e.InstanceID, payload})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Config helpers"}
	c.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID := viper.GetString("node-id")
			if nodeID == "" {
				nodeID = uuid.NewString()
			}
			fmt.Print(config.GenerateDefault(nodeID))
			return nil
		},
	})
	return c
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
