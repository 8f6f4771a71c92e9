// Package app wires one greeter node: storage, coordination, the singleton
// manager and the HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"greeter/internal/config"
	"greeter/internal/db"
	"greeter/internal/domain"
	"greeter/internal/events"
	"greeter/internal/gate"
	"greeter/internal/greeting"
	"greeter/internal/migrate"
	"greeter/internal/repo"
	"greeter/internal/server"
	"greeter/internal/session"
	"greeter/internal/singleton"
	"greeter/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

// Node is a fully wired greeter process.
type Node struct {
	Config    *config.Config
	Logger    *log.Logger
	Repo      repo.Repo
	Elector   *singleton.SQLElector
	Manager   *singleton.Manager
	Proxy     *singleton.Proxy
	Inspector *singleton.Inspector
	Handler   http.Handler

	storage *sql.DB
	coord   *sql.DB
	session session.Session
	journal events.Writer
}

// NewNode opens the databases, applies coordination migrations and builds
// every component. Nothing runs until Serve.
func NewNode(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	storage, err := db.Open(db.Config{Path: cfg.Storage.Path})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	coord := storage
	if !samePath(cfg.CoordinationPath(), cfg.Storage.Path) {
		coord, err = db.Open(db.Config{Path: cfg.CoordinationPath()})
		if err != nil {
			storage.Close()
			return nil, fmt.Errorf("open coordination db: %w", err)
		}
	}
	n := &Node{Config: cfg, Logger: logger, storage: storage, coord: coord}
	version, err := migrate.Migrate(ctx, coord)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("migrate coordination db: %w", err)
	}
	logger.Printf("coordination schema at version %d (%s)", version, cfg.CoordinationPath())

	n.Repo = repo.Repo{DB: coord}
	n.session = session.NewSQL(storage)
	n.journal = events.Writer{Repo: n.Repo, NodeID: cfg.Node.ID, Logger: logger}
	self := domain.Member{ID: cfg.Node.ID, Addr: cfg.Node.AdvertiseAddr}

	n.Elector = singleton.NewSQLElector(singleton.SQLElectorConfig{
		Repo:          n.Repo,
		Self:          self,
		LeaseName:     cfg.Cluster.LeaseName,
		LeaseDuration: cfg.Cluster.LeaseDuration,
		RenewInterval: cfg.Cluster.RenewInterval,
		Observer:      n.journal,
		Logger:        logger,
	})
	n.Manager = &singleton.Manager{
		Self:          cfg.Node.ID,
		Elector:       n.Elector,
		NewSupervisor: n.newSupervisor,
		Logger:        logger,
	}
	if cfg.Cluster.Secret == "" {
		logger.Printf("cluster.secret is empty: requests reaching a non-hosting node cannot be forwarded")
	}
	n.Proxy = &singleton.Proxy{
		Self:    cfg.Node.ID,
		Elector: n.Elector,
		Local:   n.Manager,
		Forwarder: &singleton.HTTPForwarder{
			Client:   &http.Client{},
			BasePath: cfg.HTTP.BasePath,
			NodeID:   cfg.Node.ID,
			Secret:   cfg.Cluster.Secret,
		},
	}
	n.Inspector = &singleton.Inspector{
		Self:      cfg.Node.ID,
		Repo:      n.Repo,
		LeaseName: cfg.Cluster.LeaseName,
		MemberTTL: cfg.Cluster.MemberTTL,
		Elector:   n.Elector,
		Manager:   n.Manager,
	}
	n.Handler, err = server.New(server.Config{
		Service:    n.Proxy,
		Local:      n.Manager,
		Cluster:    n.Inspector,
		BasePath:   cfg.HTTP.BasePath,
		AskTimeout: cfg.Service.AskTimeout,
		Auth:       server.AuthConfig{ClusterSecret: cfg.Cluster.Secret, Logger: logger},
	})
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *Node) newSupervisor() *supervisor.Supervisor {
	s := n.Config.Supervisor
	return supervisor.New(supervisor.Config{
		Factory: n.newInstance,
		Backoff: supervisor.Backoff{
			Min:          s.MinBackoff,
			Max:          s.MaxBackoff,
			Factor:       s.Factor,
			RandomFactor: s.RandomFactor,
		},
		ResetAfter: s.ResetAfter,
		Observer:   n.journal,
		Logger:     n.Logger,
	})
}

func (n *Node) newInstance(ctx context.Context, id string) supervisor.Instance {
	return gate.Start(ctx, gate.Config{
		ID:      id,
		Session: n.session,
		DDL:     greeting.DDL,
		Handler: greeting.Handler{
			Session:         n.session,
			DefaultGreeting: n.Config.Service.DefaultGreeting,
			Logger:          n.Logger,
		},
		QueueSize: n.Config.Service.QueueSize,
		Logger:    n.Logger,
	})
}

// Run listens on the configured address and serves until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", n.Config.HTTP.Addr)
	if err != nil {
		return err
	}
	return n.Serve(ctx, ln)
}

// Serve runs the manager and the HTTP API on ln until ctx is done. On exit
// the API stops first, then the singleton is stopped and the lease released.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	managerCtx, stopManager := context.WithCancel(context.WithoutCancel(ctx))
	defer stopManager()
	managerDone := make(chan error, 1)
	go func() { managerDone <- n.Manager.Run(managerCtx) }()

	srv := &http.Server{Handler: n.Handler}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	n.Logger.Printf("node %s serving greeter API on %s%s (advertised as %s)",
		n.Config.Node.ID, ln.Addr(), n.Config.HTTP.BasePath, n.Config.Node.AdvertiseAddr)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	stopManager()
	if err := <-managerDone; err != nil {
		n.Logger.Printf("resign lease: %v", err)
	}
	n.Logger.Printf("node %s stopped", n.Config.Node.ID)
	return runErr
}

// Close releases the database handles.
func (n *Node) Close() error {
	var err error
	if n.coord != nil && n.coord != n.storage {
		err = n.coord.Close()
	}
	if n.storage != nil {
		if cerr := n.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func samePath(a, b string) bool {
	pa, errA := filepath.Abs(a)
	pb, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return pa == pb
}
