package cpfd

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/xid"

	"pkt.systems/cpfd/internal/admission"
	"pkt.systems/cpfd/internal/svcfields"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

type deadlineListener interface {
	SetDeadline(time.Time) error
}

// dispatch runs the accept loop until ctx is cancelled by Stop. Every
// accepted connection is admitted through pool before a handler goroutine
// takes ownership of it; connections that never reach a handler are closed
// here.
func (s *Server) dispatch(ctx context.Context, ln net.Listener, pool *admission.Pool) error {
	logger := svcfields.WithSubsystem(s.logger, "dispatch")
	dl, _ := ln.(deadlineListener)
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		if dl != nil {
			if err := dl.SetDeadline(time.Now().Add(s.cfg.PollInterval)); err != nil && ctx.Err() == nil {
				logger.Warn("cpfd.dispatch.deadline_failed", "error", err)
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Error("cpfd.dispatch.listener_closed", "error", err)
				return err
			}
			backoff = nextBackoff(backoff)
			logger.Warn("cpfd.dispatch.accept_error", "error", err, "backoff", backoff)
			s.metrics.recordFailure(ctx, "accept")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		permit, ok := pool.TryAcquire()
		if !ok {
			logger.Debug("cpfd.admission.wait", "remote", conn.RemoteAddr().String(), "in_flight", pool.InFlight())
			permit, err = pool.Acquire(ctx)
			if err != nil {
				// Stopped while waiting; the handler never owned conn.
				_ = conn.Close()
				return nil
			}
		}
		id := xid.New().String()
		s.handlers.Add(1)
		s.metrics.recordAccepted(ctx)
		go s.handle(conn, permit, id)
	}
}

func nextBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return acceptBackoffMin
	}
	next := prev * 2
	if next > acceptBackoffMax {
		return acceptBackoffMax
	}
	return next
}
