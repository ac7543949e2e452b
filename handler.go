package cpfd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/cpfd/internal/admission"
	"pkt.systems/cpfd/internal/fault"
	"pkt.systems/cpfd/internal/lookup"
	"pkt.systems/cpfd/internal/router"
	"pkt.systems/cpfd/internal/svcfields"
	"pkt.systems/cpfd/internal/wire"
	"pkt.systems/pslog"
)

// exchange is the state of one connection's request/response.
type exchange struct {
	id     string
	raw    net.Conn
	conn   net.Conn
	w      *wire.Writer
	stream *wire.Stream
	route  router.Kind
	status int
	err    error
	logger pslog.Logger
}

// handle owns conn and permit from the moment it is called. Both are
// released exactly once on every exit path, including panics.
func (s *Server) handle(conn net.Conn, permit *admission.Permit, id string) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	ex := &exchange{
		id:     id,
		raw:    conn,
		logger: svcfields.WithConn(svcfields.WithSubsystem(s.logger, "conn"), id, remote),
	}
	ctx, span := s.tracer.Start(context.Background(), "cpfd.conn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("cpfd.conn.id", id),
			attribute.String("net.peer.addr", remote),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("cpfd.conn.panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			perr := fault.New(fault.Internal, "server.handle", "", fmt.Errorf("panic: %v", r))
			s.fail(ex, perr)
			ex.err = perr
		}
		if ex.conn != nil {
			_ = ex.conn.Close()
		}
		_ = conn.Close()
		permit.Release()
		s.handlers.Done()
		s.finish(ctx, span, ex, time.Since(start))
	}()
	s.serve(ctx, ex)
}

func (s *Server) serve(ctx context.Context, ex *exchange) {
	conn, err := s.adapter.Upgrade(ctx, ex.raw)
	if err != nil {
		ex.err = err
		return
	}
	ex.conn = conn
	ex.w = wire.NewWriter(conn, s.cfg.WriteSegmentSize)

	buf := make([]byte, s.cfg.RequestMaxBytes)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
			s.adapter.RecordEmptyRequest(ex.raw)
		}
		ex.err = fault.New(fault.Transport, "server.read", "", fmt.Errorf("empty request: %w", errOrEOF(err)))
		return
	}

	match := router.Route(buf[:n])
	ex.route = match.Kind
	switch match.Kind {
	case router.Preflight:
		ex.status = http.StatusNoContent
		ex.err = ex.w.WritePreflight()
	case router.Health:
		ex.status = http.StatusOK
		ex.err = ex.w.WriteJSON(http.StatusOK, wire.Status{Status: "ok"})
	case router.Unmatched:
		s.fail(ex, fault.New(fault.Protocol, "server.route", "Invalid request", nil))
	default:
		if s.cfg.Streams(match.Kind) {
			s.serveStream(ctx, ex, match)
			return
		}
		records, err := s.lookup(ctx, match)
		if err != nil {
			s.fail(ex, err)
			return
		}
		ex.status = http.StatusOK
		ex.err = ex.w.WriteResults(records)
	}
}

func (s *Server) serveStream(ctx context.Context, ex *exchange, match router.Match) {
	stream, err := ex.w.BeginStream(wire.StreamStatus)
	if err != nil {
		ex.err = err
		return
	}
	ex.stream = stream
	ex.status = wire.StreamStatus
	if err := stream.Progress(wire.StageSearching, 0); err != nil {
		ex.err = err
		return
	}
	if err := stream.Progress(wire.StageSearching, 25); err != nil {
		ex.err = err
		return
	}
	records, err := s.lookup(ctx, match)
	if err != nil {
		fe := fault.As(err)
		if fe.Kind == fault.NotFound {
			ex.err = stream.Complete([]lookup.Record{}, fe.Public())
			return
		}
		s.fail(ex, err)
		return
	}
	if err := stream.Progress(wire.StageProcessing, 75); err != nil {
		ex.err = err
		return
	}
	ex.err = stream.Complete(records, "")
}

// lookup runs the query for match on a session owned by this call.
func (s *Server) lookup(ctx context.Context, match router.Match) ([]lookup.Record, error) {
	op := "lookup." + match.Kind.String()
	session, err := s.opener.Open(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.DataStore, op, err)
	}
	defer session.Close()

	var records []lookup.Record
	switch match.Kind {
	case router.ByCPF:
		records, err = session.ByCPF(ctx, match.Term)
	case router.ByExactName:
		records, err = session.ByExactName(ctx, match.Term)
	case router.ByName:
		records, err = session.ByName(ctx, match.Term)
	case router.PartnersByName:
		records, err = session.PartnersByName(ctx, match.Term)
	case router.PartnersByNameCPF:
		records, err = session.PartnersByNameCPF(ctx, match.Name, match.Key)
	case router.PartnersByNameCPFRadical:
		records, err = session.PartnersByNameCPFRadical(ctx, match.Name, match.Key)
	default:
		return nil, fault.Errorf(fault.Internal, op, "no lookup for route %s", match.Kind)
	}
	if err != nil {
		if errors.Is(err, lookup.ErrDataStore) {
			return nil, fault.Wrap(fault.DataStore, op, err)
		}
		return nil, fault.Wrap(fault.Internal, op, err)
	}
	if len(records) == 0 {
		return nil, fault.New(fault.NotFound, op, notFoundMessage(match.Kind), nil)
	}
	return records, nil
}

func notFoundMessage(kind router.Kind) string {
	switch kind {
	case router.ByCPF:
		return lookup.MsgCPFNotFound
	case router.ByName, router.ByExactName, router.PartnersByName:
		return lookup.MsgNameNotFound
	default:
		return lookup.MsgNotPartner
	}
}

// fail reports err to the peer when nothing conflicting was written yet:
// an error response before any bytes, or a terminal chunk on an open
// stream. Anything else is only recorded.
func (s *Server) fail(ex *exchange, err error) {
	fe := fault.As(err)
	if ex.err == nil {
		ex.err = fe
	}
	switch {
	case ex.stream != nil:
		if !ex.stream.Finished() {
			if werr := ex.stream.Fail(fe.Public()); werr != nil {
				ex.logger.Debug("cpfd.conn.stream_fail_write", "error", werr)
			}
		}
	case ex.w != nil && ex.w.Written() == 0:
		ex.status = fe.Status()
		if werr := ex.w.WriteError(fe.Status(), fe.Public()); werr != nil {
			ex.logger.Debug("cpfd.conn.error_write", "error", werr)
		}
	}
}

func (s *Server) finish(ctx context.Context, span trace.Span, ex *exchange, elapsed time.Duration) {
	route := ex.route.String()
	span.SetAttributes(
		attribute.String("cpfd.route", route),
		attribute.Int("cpfd.status", ex.status),
	)
	logger := ex.logger.With(svcfields.RouteKey, route)
	if ex.err != nil {
		fe := fault.As(fault.Wrap(fault.Transport, "server.write", ex.err))
		s.metrics.recordFailure(ctx, fe.Kind.String())
		switch fe.Kind {
		case fault.NotFound, fault.Protocol:
			logger.Debug("cpfd.conn.done", "status", ex.status, "elapsed", elapsed, "error", fe.Error())
		case fault.Transport:
			logger.Debug("cpfd.conn.transport_error", "status", ex.status, "elapsed", elapsed, "error", fe.Error())
		default:
			span.RecordError(fe)
			span.SetStatus(codes.Error, fe.Kind.String())
			logger.Warn("cpfd.conn.failed", "status", ex.status, "elapsed", elapsed, "kind", fe.Kind.String(), "error", fe.Error())
		}
	} else {
		logger.Debug("cpfd.conn.done", "status", ex.status, "elapsed", elapsed)
	}
	s.metrics.recordRequest(ctx, route, ex.status, elapsed)
	span.End()
}

func errOrEOF(err error) error {
	if err == nil {
		return io.EOF
	}
	return err
}
