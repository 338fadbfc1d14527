// Command omscore runs one node of the ontology store cluster: the
// Commit Store, Branch Registry, Merge Engine, Lock Manager, Shadow Index
// Coordinator, and Outbox pipeline, replicated over Raft. Adapted from
// the teacher's cmd/warren/main.go cobra tree: the same global-flag and
// OnInitialize(initLogging) shape, generalized from cluster/manager/
// worker/service/node/secret/volume/ingress/certificate subcommands down
// to a single serve subcommand, whose --bootstrap and --join-addr flags
// select how the node enters the cluster.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warren/pkg/config"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/manager"
	"github.com/cuemby/warren/pkg/metrics"
	"github.com/cuemby/warren/pkg/outbox"
	"github.com/hashicorp/raft"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "omscore",
	Short: "omscore - versioned, branchable ontology schema store",
	Long: `omscore runs the core of an ontology management system: an
immutable commit log over schema resources, branchable heads, a
three-way merge engine, advisory write locks, and a shadow index
coordinator, replicated across a Raft quorum.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"omscore version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML settings file (optional)")

	cobra.OnInitialize(initLogging)

	serveCmd.Flags().String("node-id", "node-1", "Raft server ID for this node")
	serveCmd.Flags().String("bind-addr", "127.0.0.1:7950", "Raft transport bind address")
	serveCmd.Flags().String("data-dir", "./data", "Directory for BoltDB and Raft state")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9950", "Prometheus metrics listen address")
	serveCmd.Flags().Bool("bootstrap", false, "Bootstrap a new single-node cluster on startup")
	serveCmd.Flags().String("join-addr", "", "Address of an existing leader to join")

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this node, joining or bootstrapping a cluster as directed",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		bindAddr, _ := cmd.Flags().GetString("bind-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		bootstrap, _ := cmd.Flags().GetBool("bootstrap")
		joinAddr, _ := cmd.Flags().GetString("join-addr")
		configPath, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if nodeID != "" {
			cfg.NodeID = nodeID
		}
		if bindAddr != "" {
			cfg.BindAddr = bindAddr
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		mgr, err := manager.New(manager.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.BindAddr,
			DataDir:  cfg.DataDir,
		})
		if err != nil {
			return fmt.Errorf("omscore: start manager: %w", err)
		}

		switch {
		case bootstrap:
			if err := mgr.Bootstrap(); err != nil {
				return fmt.Errorf("omscore: bootstrap: %w", err)
			}
		case joinAddr != "":
			if err := mgr.Join([]raft.Server{{ID: raft.ServerID(nodeID), Address: raft.ServerAddress(bindAddr)}}); err != nil {
				return fmt.Errorf("omscore: join: %w", err)
			}
			fmt.Printf("joined via %s; awaiting AddVoter from the leader\n", joinAddr)
		default:
			return fmt.Errorf("omscore: either --bootstrap or --join-addr is required")
		}

		subCtx, cancelSub := context.WithCancel(context.Background())
		sub := outbox.NewSubscriber(mgr.Store(), mgr.Broker().Subscribe(), log.WithComponent("subscriber"))
		outbox.RegisterDefaultHandlers(sub)
		go sub.Run(subCtx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		fmt.Printf("omscore node %s listening for raft traffic on %s, metrics on %s\n", cfg.NodeID, cfg.BindAddr, metricsAddr)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nmetrics server error: %v\n", err)
		}

		cancelSub()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		return mgr.Shutdown()
	},
}
