// Package server exposes uploads, upload history, the transaction feed and node account reads over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gin-gonic/gin"

	"github.com/udl-tools/go-uploadkit/feed"
	"github.com/udl-tools/go-uploadkit/ledger"
	"github.com/udl-tools/go-uploadkit/network"
	"github.com/udl-tools/go-uploadkit/publish"
)

// DefaultRetention is how long finished uploads stay queryable when there is no history.
const DefaultRetention = time.Hour

// Starter starts uploads, implemented by *publish.Publisher.
type Starter interface {
	Start(ctx context.Context, input publish.Input) (*publish.Upload, error)
}

// History reads the upload history, implemented by *ledger.Ledger.
type History interface {
	Get(ctx context.Context, jobID string) (ledger.Entry, error)
	List(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error)
}

// Feed queries transactions, implemented by *feed.Client.
type Feed interface {
	Query(ctx context.Context, q feed.Query) ([]feed.Transaction, error)
}

// Accounts reads balances and prices from nodes, implemented by *network.Accounts.
type Accounts interface {
	Balance(ctx context.Context, nodeURL, currency, address string) (network.Balance, error)
	Price(ctx context.Context, nodeURL, currency string, size int64) (network.Price, error)
}

// Options ...
type Options struct {
	// SpoolDir keeps received files until they are uploaded. Default: a temp dir.
	SpoolDir string
	// MaxUploadSize rejects larger files, 0 means no limit.
	MaxUploadSize int64
	// DefaultNode is queried when a transaction, balance or price query names no node.
	DefaultNode string
	// DefaultCurrency is used when a balance or price query names no currency.
	DefaultCurrency string
	// Retention keeps finished uploads in memory when there is no history. Default: DefaultRetention
	Retention time.Duration
}

// Server ...
type Server struct {
	starter  Starter
	history  History
	feed     Feed
	accounts Accounts
	opts     Options
	logger   log.Logger

	// uploads started in this process, served until the history has their final state
	mu      sync.RWMutex
	uploads map[string]*publish.Upload

	// uploads outlive the request that started them
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a server. history, feed and accounts can be nil, their endpoints answer 501 then.
func New(starter Starter, history History, feed Feed, accounts Accounts, opts Options, logger log.Logger) *Server {
	if opts.SpoolDir == "" {
		opts.SpoolDir = filepath.Join(os.TempDir(), "uploadkit-spool")
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		starter:  starter,
		history:  history,
		feed:     feed,
		accounts: accounts,
		opts:     opts,
		logger:   logger,
		uploads:  map[string]*publish.Upload{},
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Router returns a gin engine serving the API under /api/v1.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.RegisterRoutes(r.Group("/api/v1"))

	return r
}

// RegisterRoutes ...
func (s *Server) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/uploads")
	{
		g.POST("", s.createUpload)
		g.GET("", s.listUploads)
		g.GET("/:id", s.getUpload)
	}
	r.GET("/transactions", s.listTransactions)
	r.GET("/balance", s.getBalance)
	r.GET("/price", s.getPrice)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
// Running uploads are cancelled once the server stopped.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close cancels the running uploads and waits for them to finish.
func (s *Server) Close() {
	s.cancel()

	s.mu.RLock()
	running := make([]*publish.Upload, 0, len(s.uploads))
	for _, u := range s.uploads {
		running = append(running, u)
	}
	s.mu.RUnlock()

	for _, u := range running {
		u.Wait()
	}
}

func (s *Server) track(u *publish.Upload) {
	id := u.Job().ID()
	s.mu.Lock()
	s.uploads[id] = u
	s.mu.Unlock()

	go func() {
		u.Wait()
		// without a history the final state is only served from memory for a while
		if s.history == nil {
			timer := time.NewTimer(s.opts.Retention)
			select {
			case <-timer.C:
			case <-s.baseCtx.Done():
				timer.Stop()
			}
		}
		s.mu.Lock()
		delete(s.uploads, id)
		s.mu.Unlock()
	}()
}

func (s *Server) running(id string) (*publish.Upload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.uploads[id]
	return u, ok
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}
