package sshshare

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer extends net/http Server and
// adds graceful shutdowns
type HTTPServer struct {
	*asyncobj.Helper
	*http.Server
	listener net.Listener
}

// NewHTTPServer creates a new HTTPServer
func NewHTTPServer(log logger.Logger) *HTTPServer {
	h := &HTTPServer{
		Server: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(log.ForkLogStr("http"), h)
	return h
}

// Listen binds addr and starts serving handler in the background. The server
// shuts down when ctx is done.
func (h *HTTPServer) Listen(ctx context.Context, addr string, handler http.Handler) error {
	return h.DoOnceActivate(
		func() error {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				return h.DLogErrorf("Listen failed: %s", err)
			}
			h.Handler = handler
			h.listener = l
			context.AfterFunc(ctx, func() {
				h.StartShutdown(nil)
			})
			go func() {
				err := h.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()
			return nil
		},
		true,
	)
}

// ListenAndServe runs the HTTP server on the given bind address, invoking the
// provided handler for each request. It returns after the server has shut
// down, either because ctx is done or Close was called.
func (h *HTTPServer) ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	if err := h.Listen(ctx, addr, handler); err != nil {
		return err
	}
	return h.WaitShutdown()
}

// Addr returns the bound address, once listening
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// HandleOnceShutdown will be called exactly once, in its own goroutine. It
// closes the listener and every open connection. Hijacked connections, such
// as upgraded websockets, are left to their owners.
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	if h.listener == nil {
		return completionErr
	}
	err := h.Server.Close()
	if err != nil {
		h.DLogf("HTTPServer: close failed, ignoring: %s", err)
	}
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

// Close completely shuts down the server, then returns the final completion code
func (h *HTTPServer) Close() error {
	return h.Helper.Close()
}
