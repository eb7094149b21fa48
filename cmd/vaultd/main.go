package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/api"
	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/events"
	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/metrics"
	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/vault"
	"github.com/cosmic-lab-inc/phoenix-vaults/pkg/websocket"
)

const (
	defaultDataDir     = ".vaultd"
	defaultRPCPort     = 8545
	defaultWSPort      = 8546
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir string

	// Network
	RPCPort     int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Persistence
	PersistInterval time.Duration

	// Features
	EnableMetrics bool
}

type VaultNode struct {
	config *Config
	logger log.Logger

	db      database.Database
	store   *vault.Store
	engine  *vault.Engine
	metrics *metrics.VaultMetrics

	rpc       *api.JSONRPCServer
	feed      *websocket.Server
	publisher *events.Publisher

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewVaultNode(config *Config) (*VaultNode, error) {
	logger := log.Root().New("module", "vaultd")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// BadgerDB first, in-memory fallback
	dbManager := manager.NewManager(dataPath, nil)
	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "vaultd"
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open badgerdb, using in-memory database", "err", err)
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	} else {
		logger.Info("badgerdb initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	var m *metrics.VaultMetrics
	if config.EnableMetrics {
		m, err = metrics.NewVaultMetrics("vaults")
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	feed := websocket.NewServer(log.Root().New("module", "websocket"))
	sinks := events.MultiSink{feed}

	var publisher *events.Publisher
	if config.NATSUrl != "" {
		publisher, err = events.Connect(config.NATSUrl)
		if err != nil {
			logger.Warn("nats unavailable, records will not be published", "err", err)
		} else {
			sinks = append(sinks, publisher)
		}
	}

	engine := vault.NewEngine(log.Root().New("module", "vault"), sinks, m)
	store := vault.NewStore(db)
	if err := engine.Restore(store); err != nil {
		return nil, fmt.Errorf("failed to restore ledger: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &VaultNode{
		config:    config,
		logger:    logger,
		db:        db,
		store:     store,
		engine:    engine,
		metrics:   m,
		rpc:       api.NewJSONRPCServer(engine, log.Root().New("module", "api")),
		feed:      feed,
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (n *VaultNode) Start() error {
	n.logger.Info("starting vaultd",
		"data_dir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"rpc_port", n.config.RPCPort,
		"ws_port", n.config.WSPort)

	n.feed.Start()

	n.wg.Add(1)
	go n.runRPCServer()

	n.wg.Add(1)
	go n.runFeedServer()

	if n.metrics != nil {
		n.metrics.StartSystemCollector(n.ctx, 15*time.Second)
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			addr := fmt.Sprintf(":%d", n.config.MetricsPort)
			if err := n.metrics.Serve(n.ctx, addr); err != nil {
				n.logger.Error("metrics server failed", "err", err)
			}
		}()
	}

	n.wg.Add(1)
	go n.runPersistLoop()

	n.logger.Info("vaultd started")
	return nil
}

func (n *VaultNode) runRPCServer() {
	defer n.wg.Done()
	addr := fmt.Sprintf(":%d", n.config.RPCPort)
	srv := &http.Server{Addr: addr, Handler: n.rpc}
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	n.logger.Info("rpc server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("rpc server failed", "err", err)
	}
}

func (n *VaultNode) runFeedServer() {
	defer n.wg.Done()
	addr := fmt.Sprintf(":%d", n.config.WSPort)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", n.feed.HandleWebSocket)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	n.logger.Info("feed server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("feed server failed", "err", err)
	}
}

func (n *VaultNode) runPersistLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.engine.Persist(n.store); err != nil {
				n.logger.Error("ledger persist failed", "err", err)
			}
		}
	}
}

func (n *VaultNode) Stop() {
	n.logger.Info("stopping vaultd")
	n.cancel()
	n.feed.Stop()
	n.wg.Wait()

	if err := n.engine.Persist(n.store); err != nil {
		n.logger.Error("final ledger persist failed", "err", err)
	}
	if n.publisher != nil {
		n.publisher.Close()
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("database close failed", "err", err)
	}
	n.logger.Info("vaultd stopped")
}

func main() {
	config := &Config{}
	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to HOME)")
	flag.IntVar(&config.RPCPort, "rpc-port", defaultRPCPort, "JSON-RPC listen port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket feed listen port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats", "", "NATS server URL for record publishing (empty disables)")
	flag.DurationVar(&config.PersistInterval, "persist-interval", 30*time.Second, "Ledger snapshot interval")
	flag.BoolVar(&config.EnableMetrics, "metrics", true, "Enable Prometheus metrics")
	flag.Parse()

	node, err := NewVaultNode(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	node.Stop()
}
