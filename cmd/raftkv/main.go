// Command raftkv starts one node of the replicated key-value store: it
// opens the node's WAL-backed log, starts the Raft event loop, the peer
// RPC listener, and the client request dispatcher, then blocks until
// terminated. Flag and config wiring follows dKV's cmd/serve/root.go
// cobra-plus-viper shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/raftkv/raftkv/internal/config"
	"github.com/raftkv/raftkv/internal/index"
	"github.com/raftkv/raftkv/internal/raft"
	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/server"
	"github.com/raftkv/raftkv/internal/statemachine"
	"github.com/raftkv/raftkv/internal/transport"
	"github.com/raftkv/raftkv/internal/xlog"
)

var logger = xlog.New("main")

var rootCmd = &cobra.Command{
	Use:   "raftkv",
	Short: "a Raft-replicated key-value store with BM25 and semantic search",
	Long: `raftkv is a distributed, consistent key-value store that replicates
writes via Raft consensus, persists them to a write-ahead log, and serves
full-text and semantic search over the values it stores.

Flags can also be set via environment variables named RAFTKV_<FLAG>,
e.g. RAFTKV_DATA_DIR=/var/lib/raftkv.`,
	RunE: run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("id", "", "this node's unique id (required)")
	flags.Int("port", 7070, "client-facing listen port; the peer RPC port is this value + 1")
	flags.String("peers", "", "comma-separated id=host:port list of peer client ports, excluding this node")
	flags.String("data-dir", "", "directory for this node's WAL and term state (default ./data/<id>)")
	flags.Duration("election-timeout-min", 150*time.Millisecond, "minimum randomized election timeout")
	flags.Duration("election-timeout-max", 300*time.Millisecond, "maximum randomized election timeout")
	flags.Duration("heartbeat-interval", 50*time.Millisecond, "leader heartbeat interval")
	flags.String("log-level", "info", "log level: debug, info, warn, error, critical")

	cobra.OnInitialize(initViper)
}

func initViper() {
	viper.SetEnvPrefix("raftkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	xlog.SetGlobalLevel(xlog.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return err
	}

	return serve(cfg)
}

func loadConfig() (config.Config, error) {
	peers, err := config.ParsePeers(viper.GetString("peers"))
	if err != nil {
		return config.Config{}, err
	}

	id := viper.GetString("id")
	dataDir := viper.GetString("data-dir")
	if dataDir == "" {
		dataDir = fmt.Sprintf("./data/%s", id)
	}

	return config.Config{
		ID:                 id,
		Port:               viper.GetInt("port"),
		Peers:              peers,
		DataDir:            dataDir,
		ElectionTimeoutMin: viper.GetDuration("election-timeout-min"),
		ElectionTimeoutMax: viper.GetDuration("election-timeout-max"),
		HeartbeatInterval:  viper.GetDuration("heartbeat-interval"),
		LogLevel:           viper.GetString("log-level"),
	}, nil
}

// peerRPCAddrs derives each peer's peer-RPC address from its client
// address by the fixed +1 port convention documented in DESIGN.md.
func peerRPCAddrs(peers map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(peers))
	for id, addr := range peers {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("config: invalid peer address %q: %w", addr, err)
		}
		out[id] = fmt.Sprintf("%s:%d", host, port+1)
	}
	return out, nil
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("missing port")
	}
	host := addr[:idx]
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func serve(cfg config.Config) error {
	peerRPCPeers, err := peerRPCAddrs(cfg.Peers)
	if err != nil {
		return err
	}

	log, err := raftlog.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open raft log: %w", err)
	}
	defer log.Close()

	sm := statemachine.New()
	idx := index.New()
	sm.AddObserver(idx)

	client := transport.NewClient(peerRPCPeers)

	node, err := raft.New(raft.Config{
		ID:                 cfg.ID,
		PeerAddrs:          peerRPCPeers,
		Dir:                cfg.DataDir,
		Transport:          client,
		Log:                log,
		SM:                 sm,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.HeartbeatInterval,
	})
	if err != nil {
		return fmt.Errorf("construct raft node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.Run(ctx)
	defer node.Stop()

	peerListenAddr := fmt.Sprintf("0.0.0.0:%d", cfg.Port+1)
	peerSrv, err := transport.Listen(peerListenAddr, node)
	if err != nil {
		return fmt.Errorf("listen for peer RPC on %s: %w", peerListenAddr, err)
	}
	defer peerSrv.Close()
	logger.Infof("peer RPC listening on %s", peerListenAddr)

	clientSrv := server.New(node, sm, idx)
	if err := clientSrv.Listen(cfg.ListenAddr()); err != nil {
		return fmt.Errorf("listen for clients on %s: %w", cfg.ListenAddr(), err)
	}
	defer clientSrv.Close()
	logger.Infof("client listening on %s", cfg.ListenAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Infof("shutting down")
	return nil
}
