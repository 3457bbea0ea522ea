// Package server accepts many concurrent client connections and serves the
// wire protocol: strict request/reply, one message pair at a time per
// connection, handled by workers backed by the same Dispatcher the
// Reconciler uses. Each connection reads straight through to a response
// rather than buffering a continuous stream, since the protocol is
// request/reply, not continuous push.
package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/anchor/retcon/dispatcher"
	"github.com/anchor/retcon/driver"
	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/reconciler"
	"github.com/anchor/retcon/rerrors"
	"github.com/anchor/retcon/store"
	"github.com/anchor/retcon/utils"
	"github.com/anchor/retcon/wire"
)

// Server listens on one address and serves Notify/ListConflicts/Resolve/
// FlushWorkQueue requests, dispatching work through a shared Dispatcher
// and reading conflict state from a Store.
type Server struct {
	addr string
	ln   net.Listener

	dispatcher *dispatcher.Dispatcher
	store      store.ReadWriteStore
	drivers    *driver.Registry
	log        utils.Logger

	mu     sync.Mutex
	closed bool
	conns  *xsync.MapOf[net.Conn, struct{}]
	wg     sync.WaitGroup
}

// New returns a Server that is not yet listening; call ListenAndServe.
func New(addr string, d *dispatcher.Dispatcher, s store.ReadWriteStore, drivers *driver.Registry, log utils.Logger) *Server {
	return &Server{
		addr:       addr,
		dispatcher: d,
		store:      s,
		drivers:    drivers,
		log:        log,
		conns:      xsync.NewMapOf[net.Conn, struct{}](),
	}
}

// ListenAndServe binds addr and serves connections until Close is called.
// It blocks the calling goroutine.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("server: listening", "addr", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("server: accept failed", "err", err)
			continue
		}
		s.trackConn(conn)
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Close stops accepting connections, closes every live connection, and
// waits for their serving goroutines to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.conns.Range(func(c net.Conn, _ struct{}) bool {
		_ = c.Close()
		return true
	})
	s.wg.Wait()
	return err
}

func (s *Server) trackConn(c net.Conn) {
	s.conns.Store(c, struct{}{})
}

func (s *Server) untrackConn(c net.Conn) {
	s.conns.Delete(c)
}

// serveConn handles one connection's strict request/reply loop until the
// client disconnects or sends something malformed enough to close the
// connection. Each connection gets its own trace id for log correlation.
func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrackConn(conn)
	defer conn.Close()

	traceID := uuid.Must(uuid.NewV7()).String()
	log := s.log
	r := bufio.NewReader(conn)

	for {
		tag, body, err := wire.ReadMessage(r)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug("server: connection closed", "trace_id", traceID, "err", err)
			}
			return
		}

		flag, respBody, fatal := s.handle(context.Background(), wire.Kind(tag), body, traceID)
		if werr := wire.WriteMessage(conn, flag, respBody); werr != nil {
			log.Error("server: failed to write response", "trace_id", traceID, "err", werr)
			return
		}
		if fatal {
			return
		}
	}
}

// handle dispatches one decoded request and returns the two-frame response
// [success_flag, body]. fatal reports whether the connection should be
// closed after replying, which happens only when the header tag itself
// does not name one of the four known request kinds.
func (s *Server) handle(ctx context.Context, kind wire.Kind, body []byte, traceID string) (flag byte, respBody []byte, fatal bool) {
	var payload []byte
	var err error
	switch kind {
	case wire.KindNotify:
		payload, err = s.handleNotify(ctx, body, traceID)
	case wire.KindListConflicts:
		payload, err = s.handleListConflicts(ctx, body, traceID)
	case wire.KindResolve:
		payload, err = s.handleResolve(ctx, body, traceID)
	case wire.KindFlushWorkQueue:
		payload, err = s.handleFlush(ctx, body, traceID)
	default:
		s.log.Warn("server: unknown request kind", "trace_id", traceID, "kind", kind)
		return wire.FailureFlag, wire.EncodeErrorBody(rerrors.KindInvalidMessage), true
	}
	if err != nil {
		return wire.FailureFlag, wire.EncodeErrorBody(rerrors.KindOf(err)), false
	}
	return wire.SuccessFlag, payload, false
}

func (s *Server) handleNotify(ctx context.Context, body []byte, traceID string) ([]byte, error) {
	req, err := wire.DecodeNotify(body)
	if err != nil {
		return nil, err
	}
	if s.drivers != nil && !s.drivers.HasEntity(req.Entity) {
		return nil, rerrors.ErrUnknownEntity
	}
	if err := s.dispatcher.Notify(ctx, model.ChangeNotification{
		Entity: req.Entity, Source: req.Source, ForeignKey: req.ForeignKey,
	}); err != nil {
		s.log.Error("server: notify failed", "trace_id", traceID, "err", err)
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleListConflicts(ctx context.Context, body []byte, traceID string) ([]byte, error) {
	if len(body) != 0 {
		return nil, rerrors.ErrInvalidMessage
	}
	recs, err := s.store.ListConflicted(ctx)
	if err != nil {
		s.log.Error("server: list conflicts failed", "trace_id", traceID, "err", err)
		return nil, err
	}

	entries := make([]wire.ConflictEntry, 0, len(recs))
	for _, rec := range recs {
		baseline, _, err := s.store.GetBaseline(ctx, rec.InternalKey)
		if err != nil {
			s.log.Error("server: baseline lookup failed", "trace_id", traceID, "ik", rec.InternalKey, "err", err)
			continue
		}
		rejected := make([]wire.RejectedEntry, 0, len(rec.Rejected))
		for _, e := range reconciler.FlattenRejected(rec.Rejected) {
			rejected = append(rejected, wire.RejectedEntry{OpID: e.OpID, Op: e.Op})
		}
		entries = append(entries, wire.ConflictEntry{
			Baseline: baseline,
			Applied:  rec.Applied,
			DiffID:   rec.DiffID,
			Rejected: rejected,
		})
	}
	return wire.EncodeListConflicts(entries), nil
}

func (s *Server) handleResolve(ctx context.Context, body []byte, traceID string) ([]byte, error) {
	req, err := wire.DecodeResolve(body)
	if err != nil {
		return nil, err
	}
	if _, ok, err := s.store.GetDiff(ctx, req.DiffID); err != nil || !ok {
		return nil, rerrors.ErrNotFound
	}
	s.dispatcher.Resolve(ctx, req.DiffID, req.OpIDs)
	return nil, nil
}

func (s *Server) handleFlush(ctx context.Context, body []byte, traceID string) ([]byte, error) {
	if len(body) != 0 {
		return nil, rerrors.ErrInvalidMessage
	}
	n, err := s.dispatcher.Flush(ctx)
	if err != nil {
		s.log.Error("server: flush failed", "trace_id", traceID, "err", err)
		return nil, err
	}
	return wire.EncodeFlushResult(n), nil
}
