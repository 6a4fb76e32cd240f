// Command lockd runs one node of a quorumlock cluster: the consensus
// core, the replicated lock table, and the client-facing gRPC service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/quorumlock/quorumlock/lock"
	"github.com/quorumlock/quorumlock/logger"
	"github.com/quorumlock/quorumlock/metrics"
	"github.com/quorumlock/quorumlock/raft"
	"github.com/quorumlock/quorumlock/server"
	"github.com/quorumlock/quorumlock/types"
)

var (
	nodeID      = flag.String("id", "", "Node ID, must appear in -raft-peers")
	listenAddr  = flag.String("listen", ":50051", "Client-facing listen address")
	raftPeers   = flag.String("raft-peers", "", "Consensus addresses as id=host:port,id=host:port (single-node cluster when empty)")
	clientAddrs = flag.String("client-addrs", "", "Client-facing addresses of all nodes, same format, used for leader redirects")
	dataDir     = flag.String("data-dir", "", "Directory for persistent consensus state (in-memory when empty)")
	metricsAddr = flag.String("metrics-listen", "", "Prometheus endpoint address (disabled when empty)")
	logLevel    = flag.String("log-level", "info", "Minimum log level: debug, info, warn, error")
)

// envDefaults fills flags the command line left unset from the
// environment, so containerized deployments need no argv plumbing.
func envDefaults() {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	for name, env := range map[string]string{
		"id":             "QUORUMLOCK_NODE_ID",
		"listen":         "QUORUMLOCK_LISTEN",
		"raft-peers":     "QUORUMLOCK_RAFT_PEERS",
		"client-addrs":   "QUORUMLOCK_CLIENT_ADDRS",
		"data-dir":       "QUORUMLOCK_DATA_DIR",
		"metrics-listen": "QUORUMLOCK_METRICS_LISTEN",
		"log-level":      "QUORUMLOCK_LOG_LEVEL",
	} {
		if v, ok := os.LookupEnv(env); ok && !set[name] {
			_ = flag.Set(name, v)
		}
	}
}

func main() {
	flag.Parse()
	envDefaults()
	if *nodeID == "" {
		fmt.Fprintln(os.Stderr, "lockd: -id is required")
		flag.Usage()
		os.Exit(2)
	}
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lockd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	id := types.NodeID(*nodeID)
	log := logger.NewStdLogger(*logLevel).WithNodeID(id)

	peers, err := parseAddrMap(*raftPeers)
	if err != nil {
		return fmt.Errorf("parse -raft-peers: %w", err)
	}
	if len(peers) == 0 {
		peers = map[types.NodeID]string{id: "127.0.0.1:7000"}
	}
	hints, err := parseAddrMap(*clientAddrs)
	if err != nil {
		return fmt.Errorf("parse -client-addrs: %w", err)
	}
	if len(hints) == 0 {
		hints = map[types.NodeID]string{id: *listenAddr}
	}

	var storage raft.Storage
	if *dataDir != "" {
		bs, err := raft.NewBoltStorage(*dataDir)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		storage = bs
	} else {
		log.Warnw("No data directory configured, consensus state is volatile")
		storage = raft.NewMemoryStorage()
	}
	defer storage.Close()

	registry := metrics.NewRegistry()
	manager := lock.NewManager(log, metrics.NewLockMetrics(registry, id))

	node, err := raft.NewNode(raft.DefaultConfig(id, peers), raft.Dependencies{
		Storage: storage,
		Applier: manager,
		Logger:  log,
		Metrics: metrics.NewRaftMetrics(registry, id),
	})
	if err != nil {
		return fmt.Errorf("build consensus node: %w", err)
	}
	network, err := raft.NewGRPCNetwork(id, peers, node, log)
	if err != nil {
		return fmt.Errorf("build peer network: %w", err)
	}
	node.SetPeerNetwork(network)

	srvCfg := server.DefaultConfig(id, *listenAddr)
	srvCfg.ClientAddrs = hints
	srv, err := server.NewServer(srvCfg, server.Dependencies{
		Raft:    node,
		Manager: manager,
		Logger:  log,
		Metrics: metrics.NewServerMetrics(registry, id),
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// The server must be serving before consensus starts so that no
	// committed entry can apply without its notifier in place.
	if err := srv.Start(); err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(stopCtx)
		return fmt.Errorf("start consensus node: %w", err)
	}
	log.Infow("Node running", "listen", srv.Addr(), "peers", len(peers), "data_dir", *dataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(raft.DefaultTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				node.Tick(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			log.Infow("Metrics endpoint running", "addr", *metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Infow("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Stop(stopCtx); serr != nil {
		log.Warnw("Server shutdown incomplete", "error", serr)
	}
	if nerr := node.Stop(stopCtx); nerr != nil {
		log.Warnw("Consensus shutdown incomplete", "error", nerr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// parseAddrMap parses "id=host:port,id=host:port" into a map.
func parseAddrMap(s string) (map[types.NodeID]string, error) {
	out := make(map[types.NodeID]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("malformed entry %q, want id=host:port", pair)
		}
		out[types.NodeID(id)] = addr
	}
	return out, nil
}
