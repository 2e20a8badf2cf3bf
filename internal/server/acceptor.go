// Package server owns the intake stream listener and the pool of connection
// handlers behind it.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/metrics"
)

// ErrServerClosed is returned by Serve after Shutdown has been called.
var ErrServerClosed = errors.New("server closed")

const refuseWriteTimeout = time.Second

// ConnectionHandler serves one accepted connection until it ends or ctx is
// canceled. The acceptor closes the connection after Serve returns.
type ConnectionHandler interface {
	Serve(ctx context.Context, conn net.Conn) error
}

// ConnectionInfo describes a connection currently being served
type ConnectionInfo struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Stats is a snapshot of the acceptor counters
type Stats struct {
	Accepted int64 `json:"accepted"`
	Active   int64 `json:"active"`
	Rejected int64 `json:"rejected"`
}

type trackedConn struct {
	info ConnectionInfo
	conn net.Conn
}

// Acceptor accepts stream connections and runs one handler per connection
// on a bounded worker pool. The accept loop never waits for a worker: a
// connection arriving while every worker is busy is refused.
type Acceptor struct {
	config  domain.ServerConfig
	handler ConnectionHandler
	metrics *metrics.Metrics
	logger  *logrus.Logger
	limiter *rate.Limiter

	mu          sync.Mutex
	listener    net.Listener
	conns       map[string]*trackedConn
	closing     bool
	cancelConns context.CancelFunc
	done        chan struct{}

	accepted int64
	active   int64
	rejected int64
}

// NewAcceptor creates a new acceptor
func NewAcceptor(cfg domain.ServerConfig, handler ConnectionHandler, m *metrics.Metrics, logger *logrus.Logger) *Acceptor {
	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Acceptor{
		config:  cfg,
		handler: handler,
		metrics: m,
		logger:  logger,
		limiter: limiter,
		conns:   make(map[string]*trackedConn),
		done:    make(chan struct{}),
	}
}

// Listen opens the listening socket, wrapped in TLS when enabled.
func (a *Acceptor) Listen() error {
	addr := net.JoinHostPort(a.config.Host, fmt.Sprint(a.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if a.config.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(a.config.CertFile, a.config.KeyFile)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"address": ln.Addr().String(),
		"tls":     a.config.TLSEnabled,
	}).Info("Intake listener started")
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Serve accepts connections until Shutdown is called or ctx is canceled,
// then waits for every handler to return. It listens first if Listen has
// not been called. Serve may only be called once.
func (a *Acceptor) Serve(ctx context.Context) error {
	if a.Addr() == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		cancel()
		return ErrServerClosed
	}
	a.cancelConns = cancel
	ln := a.listener
	a.mu.Unlock()

	// Canceling the caller's context is a shutdown without a grace period
	// beyond what the handlers need to finish their current command.
	stop := context.AfterFunc(ctx, func() {
		a.beginShutdown()
	})
	defer stop()

	group := new(errgroup.Group)
	if a.config.MaxConnections > 0 {
		group.SetLimit(a.config.MaxConnections)
	}

	err := a.acceptLoop(ln, connCtx, group)
	group.Wait()
	cancel()
	close(a.done)

	a.logger.Info("Intake listener stopped")
	return err
}

func (a *Acceptor) acceptLoop(ln net.Listener, connCtx context.Context, group *errgroup.Group) error {
	var backoff time.Duration
	for {
		if a.limiter != nil {
			if err := a.limiter.Wait(connCtx); err != nil {
				return ErrServerClosed
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if a.isClosing() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = nextBackoff(backoff)
				a.logger.WithError(err).WithField("retry_in", backoff).Warn("Accept failed, retrying")
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		backoff = 0

		if a.isClosing() {
			a.reject(conn, "shutting down")
			continue
		}

		tracked := a.track(conn)
		if !group.TryGo(func() error {
			a.serveConn(connCtx, tracked)
			return nil
		}) {
			a.untrack(tracked)
			a.refuse(conn)
			a.reject(conn, "connection limit reached")
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (a *Acceptor) reject(conn net.Conn, reason string) {
	conn.Close()
	atomic.AddInt64(&a.rejected, 1)
	a.metrics.ConnectionsRejected.Inc()
	a.logger.WithFields(logrus.Fields{
		"remote_addr": conn.RemoteAddr().String(),
		"reason":      reason,
	}).Debug("Connection rejected")
}

// refuse tells a client turned away by a full worker pool why, without
// letting a slow reader stall the accept loop.
func (a *Acceptor) refuse(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(refuseWriteTimeout))
	conn.Write([]byte(domain.ErrServerError.Error() + "\n"))
}

// track registers conn so Shutdown can force it closed. Counters are
// updated by serveConn once a worker owns the connection.
func (a *Acceptor) track(conn net.Conn) *trackedConn {
	tracked := &trackedConn{
		info: ConnectionInfo{
			ID:          uuid.New().String(),
			RemoteAddr:  conn.RemoteAddr().String(),
			ConnectedAt: time.Now().UTC(),
		},
		conn: conn,
	}

	a.mu.Lock()
	a.conns[tracked.info.ID] = tracked
	a.mu.Unlock()
	return tracked
}

func (a *Acceptor) untrack(tracked *trackedConn) {
	a.mu.Lock()
	delete(a.conns, tracked.info.ID)
	a.mu.Unlock()
}

func (a *Acceptor) serveConn(ctx context.Context, tracked *trackedConn) {
	log := a.logger.WithFields(logrus.Fields{
		"connection_id": tracked.info.ID,
		"remote_addr":   tracked.info.RemoteAddr,
	})
	atomic.AddInt64(&a.accepted, 1)
	atomic.AddInt64(&a.active, 1)
	a.metrics.ConnectionsAccepted.Inc()
	a.metrics.ConnectionsActive.Inc()
	log.Info("Connection accepted")

	defer func() {
		tracked.conn.Close()
		a.untrack(tracked)
		atomic.AddInt64(&a.active, -1)
		a.metrics.ConnectionsActive.Dec()
		log.WithField("duration", time.Since(tracked.info.ConnectedAt).String()).Info("Connection closed")
	}()

	if err := a.handler.Serve(ctx, tracked.conn); err != nil {
		log.WithError(err).Warn("Connection ended with error")
	}
}

func (a *Acceptor) isClosing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closing
}

// beginShutdown stops accepting and asks idle handlers to return.
func (a *Acceptor) beginShutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return
	}
	a.closing = true
	if a.listener != nil {
		a.listener.Close()
	}
	if a.cancelConns != nil {
		a.cancelConns()
	}
}

// Shutdown stops accepting connections and waits for in-flight commands to
// finish. Connections still open when ctx expires are closed forcibly and
// ctx's error is returned.
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down intake listener")
	a.beginShutdown()

	a.mu.Lock()
	started := a.cancelConns != nil
	a.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-a.done:
		a.logger.Info("Intake listener shutdown complete")
		return nil
	case <-ctx.Done():
	}

	forced := a.closeAll()
	a.logger.WithField("connections", forced).Warn("Shutdown timeout exceeded, closed remaining connections")
	<-a.done
	return ctx.Err()
}

func (a *Acceptor) closeAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tracked := range a.conns {
		tracked.conn.Close()
	}
	return len(a.conns)
}

// Stats returns a snapshot of the connection counters.
func (a *Acceptor) Stats() Stats {
	return Stats{
		Accepted: atomic.LoadInt64(&a.accepted),
		Active:   atomic.LoadInt64(&a.active),
		Rejected: atomic.LoadInt64(&a.rejected),
	}
}

// Connections lists the connections currently being served, oldest first.
func (a *Acceptor) Connections() []ConnectionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(a.conns))
	for _, tracked := range a.conns {
		infos = append(infos, tracked.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
