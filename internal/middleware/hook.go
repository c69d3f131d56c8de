// Package middleware runs ordered pre and post hooks around HTTP requests.
// Pre hooks may enrich the request context or reject the request; post
// hooks run after the handler and can only observe.
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// CallInfo describes the current request for hook processing.
type CallInfo struct {
	Method   string
	Path     string
	RemoteIP string
	// Status is set for post hooks.
	Status int
}

// Hook processes a call. Return an error to reject.
type Hook func(ctx context.Context, info *CallInfo) (context.Context, error)

// Chain holds ordered pre and post hooks.
type Chain struct {
	Pre  []Hook
	Post []Hook
}

// RunPre executes pre-hooks in order. Stops on first error.
func (c *Chain) RunPre(ctx context.Context, info *CallInfo) (context.Context, error) {
	for _, h := range c.Pre {
		var err error
		ctx, err = h(ctx, info)
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// RunPost executes post-hooks in order. Stops on first error.
func (c *Chain) RunPost(ctx context.Context, info *CallInfo) (context.Context, error) {
	for _, h := range c.Post {
		var err error
		ctx, err = h(ctx, info)
		if err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

// RejectFunc writes the response for a request a pre hook rejected.
type RejectFunc func(w http.ResponseWriter, r *http.Request, err error)

// Handler adapts the chain to net/http.
func (c *Chain) Handler(reject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info := &CallInfo{Method: r.Method, Path: r.URL.Path, RemoteIP: remoteIP(r)}
			ctx, err := c.RunPre(r.Context(), info)
			r = r.WithContext(ctx)
			if err != nil {
				reject(w, r, err)
				return
			}
			if len(c.Post) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			info.Status = rec.status
			if _, err := c.RunPost(ctx, info); err != nil {
				slog.WarnContext(ctx, "post hook failed", "path", info.Path, "error", err)
			}
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }
