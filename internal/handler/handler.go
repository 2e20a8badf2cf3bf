// Package handler serves one intake stream connection: it reads framed
// commands, drives validation and answers with protocol responses.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/genomic-intake-server/internal/blob"
	"github.com/genomic-intake-server/internal/domain"
	"github.com/genomic-intake-server/internal/events"
	"github.com/genomic-intake-server/internal/metrics"
	"github.com/genomic-intake-server/internal/protocol"
	"github.com/genomic-intake-server/internal/signature"
	"github.com/genomic-intake-server/pkg/fasta"
)

// DefaultPublishTimeout bounds queuing one detection event when Config
// leaves PublishTimeout unset.
const DefaultPublishTimeout = 5 * time.Second

// Config holds per connection limits
type Config struct {
	IdleTimeout     time.Duration // wait for the next command line, 0 disables
	CommandTimeout  time.Duration // read metadata and payload of one command, 0 disables
	MaxPayloadBytes int64         // 0 means unlimited
	PublishTimeout  time.Duration // queue one detection event, 0 means DefaultPublishTimeout
}

// Dependencies are the collaborators shared by every connection
type Dependencies struct {
	Store     domain.RecordStore
	Blobs     blob.Store
	Screener  *signature.Screener
	Validator *fasta.Validator
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Config    Config

	// Now defaults to time.Now.
	Now func() time.Time
}

// Handler serves connections. It is safe for concurrent use; all per
// connection state lives in session.
type Handler struct {
	store     domain.RecordStore
	blobs     blob.Store
	screener  *signature.Screener
	validator *fasta.Validator
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	config    Config
	now       func() time.Time
}

// New creates a new connection handler
func New(deps Dependencies) *Handler {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	if deps.Config.PublishTimeout <= 0 {
		deps.Config.PublishTimeout = DefaultPublishTimeout
	}
	return &Handler{
		store:     deps.Store,
		blobs:     deps.Blobs,
		screener:  deps.Screener,
		validator: deps.Validator,
		publisher: publisher,
		metrics:   m,
		logger:    deps.Logger,
		config:    deps.Config,
		now:       now,
	}
}

// connectionError ends the session: the stream can no longer be trusted to
// be aligned on a command boundary.
type connectionError struct {
	err error
}

func (e *connectionError) Error() string { return e.err.Error() }

func (e *connectionError) Unwrap() error { return e.err }

func closeConnection(err error) error {
	return &connectionError{err: err}
}

// session is the state of one connection.
type session struct {
	conn   net.Conn
	reader *protocol.FramedReader
	writer *protocol.ResponseWriter
	log    *logrus.Entry

	mu      sync.Mutex
	busy    bool
	closing bool
}

// Serve processes commands on conn sequentially until the client closes the
// stream, a framing error occurs or ctx is canceled. Cancellation interrupts
// an idle connection immediately and lets an in-flight command finish.
// Serve does not close conn.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	s := &session{
		conn:   conn,
		reader: protocol.NewFramedReader(conn),
		writer: protocol.NewResponseWriter(conn),
		log: h.logger.WithFields(logrus.Fields{
			"conn_id":     uuid.New().String(),
			"remote_addr": conn.RemoteAddr().String(),
		}),
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closing = true
			if !s.busy {
				conn.SetReadDeadline(time.Now())
			}
			s.mu.Unlock()
		case <-stop:
		}
	}()

	s.log.Debug("Connection opened")
	for {
		if !s.awaitCommand(h.config.IdleTimeout) {
			s.log.Debug("Connection drained for shutdown")
			return nil
		}

		line, err := s.reader.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.log.Debug("Connection closed by client")
				return nil
			case errors.Is(err, protocol.ErrLineTooLong):
				if werr := s.writer.Error(domain.ErrBadRequest); werr != nil {
					return werr
				}
				continue
			case s.isClosing():
				return nil
			default:
				return err
			}
		}

		verb, args := protocol.ParseCommand(line)
		if verb == "" {
			continue
		}

		s.startCommand(h.config.CommandTimeout)
		if err := h.runCommand(ctx, s, verb, args); err != nil {
			return err
		}
	}
}

// awaitCommand switches the session to idle. It returns false when the
// connection should stop because shutdown began.
func (s *session) awaitCommand(idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.busy = false
	setReadDeadline(s.conn, idle)
	return true
}

func (s *session) startCommand(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = true
	setReadDeadline(s.conn, timeout)
}

func (s *session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func setReadDeadline(conn net.Conn, d time.Duration) {
	if d > 0 {
		conn.SetReadDeadline(time.Now().Add(d))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
}

// runCommand dispatches one command and writes its error response, if any.
// A non-nil return ends the session.
func (h *Handler) runCommand(ctx context.Context, s *session, verb string, args []string) error {
	start := h.now()
	log := s.log.WithField("command", verb)
	// A command that has started runs to completion even when shutdown begins.
	ctx = context.WithoutCancel(ctx)

	var err error
	switch verb {
	case protocol.CmdCreatePatient:
		err = h.create(ctx, s, log)
	case protocol.CmdRetrievePatient:
		err = h.retrieve(ctx, s, args)
	case protocol.CmdUpdatePatient:
		err = h.update(ctx, s, log)
	case protocol.CmdDeletePatient:
		err = h.delete(ctx, s, args)
	default:
		verb = "UNKNOWN"
		err = domain.ErrUnknownCommand
	}

	status := "ok"
	defer func() {
		h.metrics.Commands.WithLabelValues(verb, status).Inc()
		h.metrics.CommandDuration.WithLabelValues(verb).Observe(h.now().Sub(start).Seconds())
	}()

	if err == nil {
		log.WithField("duration", h.now().Sub(start)).Info("Command completed")
		return nil
	}

	var connErr *connectionError
	if errors.As(err, &connErr) {
		status = "closed"
		log.WithError(connErr.err).Warn("Closing connection")
		return err
	}

	var protoErr *domain.ProtocolError
	if !errors.As(err, &protoErr) {
		log.WithError(err).Error("Command failed")
		protoErr = domain.ErrServerError
	} else {
		log.WithField("reason", protoErr.Reason).Info("Command rejected")
	}
	status = strconv.Itoa(protoErr.Code)

	if werr := s.writer.Error(protoErr); werr != nil {
		return werr
	}
	return nil
}

// parseID parses a non-negative decimal identifier.
func parseID(value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, fmt.Errorf("negative id %d", id)
	}
	return id, nil
}

// parseAge parses a non-negative integer age.
func parseAge(value string) (int, error) {
	age, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if age < 0 {
		return 0, fmt.Errorf("negative age %d", age)
	}
	return age, nil
}

func (h *Handler) retrieve(ctx context.Context, s *session, args []string) error {
	if len(args) != 1 {
		return domain.ErrBadRequest
	}
	id, err := parseID(args[0])
	if err != nil {
		return domain.ErrBadRequest
	}

	rec, err := h.store.FindActiveByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to retrieve patient %d: %w", id, err)
	}
	return h.respond(s.writer.Record(rec))
}

func (h *Handler) delete(ctx context.Context, s *session, args []string) error {
	if len(args) != 1 {
		return domain.ErrBadRequest
	}
	id, err := parseID(args[0])
	if err != nil {
		return domain.ErrBadRequest
	}

	err = h.store.Deactivate(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete patient %d: %w", id, err)
	}
	return h.respond(s.writer.OK("patient deleted"))
}

// respond turns a failed response write into a connection error.
func (h *Handler) respond(err error) error {
	if err != nil {
		return closeConnection(err)
	}
	return nil
}
