// Package dnsserver is a generic DNS-over-UDP server that dispatches every
// request to a pluggable Handler. It is used both for the recursive local
// resolver and for each tunnel's authoritative interface resolver.
package dnsserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"runtime/debug"

	"github.com/miekg/dns"

	"github.com/zerowire/zerowire/pkg/obs"
	"github.com/zerowire/zerowire/pkg/ratelimit"
)

// Handler answers one DNS request. The second return value is the spec's
// "may signal drop": when false, no reply is sent at all.
type Handler interface {
	Handle(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool)

func (f HandlerFunc) Handle(ctx context.Context, req *dns.Msg, from net.Addr) (*dns.Msg, bool) {
	return f(ctx, req, from)
}

// HandlerError wraps a panic or error raised by a Handler; the server
// always replies SERVFAIL when this occurs.
type HandlerError struct {
	Err   error
	Stack []byte
}

func (e *HandlerError) Error() string { return fmt.Sprintf("dns handler error: %v", e.Err) }
func (e *HandlerError) Unwrap() error { return e.Err }

// Server wraps *dns.Server, bound to a single UDP address.
type Server struct {
	bind    netip.AddrPort
	handler Handler
	limiter *ratelimit.QueryLimiter
	log     *slog.Logger

	srv *dns.Server
}

// New creates a Server bound to addr with the given request handler and a
// default-configured per-source rate limiter.
func New(bind netip.AddrPort, h Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		bind:    bind,
		handler: h,
		limiter: ratelimit.NewDefault(),
		log:     log,
	}
}

// ListenAndServe binds the UDP socket and serves until ctx is cancelled or
// Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		s.serveDNS(ctx, w, r)
	})

	s.srv = &dns.Server{
		Addr:    s.bind.String(),
		Net:     "udp",
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		return err
	}
}

// Shutdown closes the listening socket.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) serveDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	from := w.RemoteAddr()
	if addrPort, err := netip.ParseAddrPort(from.String()); err == nil {
		if !s.limiter.Allow(addrPort.Addr()) {
			return
		}
	}

	obs.MetricDNSQueries.Add(ctx, 1)
	reply, send := s.invokeHandler(ctx, r, from)
	if !send {
		return
	}
	if err := w.WriteMsg(reply); err != nil {
		s.log.Error("dns write failed", slog.Any("error", err))
	}
}

func (s *Server) invokeHandler(ctx context.Context, r *dns.Msg, from net.Addr) (reply *dns.Msg, send bool) {
	defer func() {
		if rec := recover(); rec != nil {
			herr := &HandlerError{Err: fmt.Errorf("panic: %v", rec), Stack: debug.Stack()}
			s.log.Error("dns handler panicked", slog.String("error", herr.Error()), slog.String("stack", string(herr.Stack)))
			reply = new(dns.Msg)
			reply.SetRcode(r, dns.RcodeServerFailure)
			send = true
		}
	}()
	return s.handler.Handle(ctx, r, from)
}
