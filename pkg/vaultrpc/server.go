package vaultrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/agentsec/broker/pkg/audit"
	"github.com/agentsec/broker/pkg/vault"
)

// Server answers vault RPC requests over a Unix domain socket. The socket
// itself is the perimeter: spec.md §4.B is explicit that no in-band
// authentication is layered on top, since only processes with filesystem
// access to the socket path can connect at all.
type Server struct {
	store   *vault.Store
	audit   *audit.Logger
	timeout time.Duration

	listener net.Listener
}

// NewServer builds a Server around store, logging every decision to log
// and bounding each call by timeout.
func NewServer(store *vault.Store, log *audit.Logger, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Server{store: store, audit: log, timeout: timeout}
}

// Listen creates (or replaces) the Unix socket at path with owner-only
// permissions and begins accepting connections. Serve must be called to
// process them.
func (s *Server) Listen(path string) error {
	_ = os.Remove(path) // stale socket from a prior, uncleanly-stopped run
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("vaultrpc: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("vaultrpc: chmod %s: %w", path, err)
	}
	s.listener = l
	return nil
}

// Serve accepts and handles connections until ctx is canceled or the
// listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("vaultrpc: accept: %w", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
			return
		}

		var req Request
		if err := readJSON(conn, &req); err != nil {
			return // connection closed or malformed frame; drop silently
		}

		resp := s.dispatch(ctx, req)
		if err := writeJSON(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	var resp Response
	var err error

	switch req.Verb {
	case "ping":
		err = s.store.Ping()
		if err == nil {
			resp.Data = json.RawMessage(`{"pong":true}`)
		}
	case "get":
		resp, err = s.handleGet(req)
	case "list":
		resp, err = s.handleList(req)
	case "store":
		err = s.handleStore(req)
	case "delete":
		err = s.store.Delete(req.Protocol, req.Target)
	case "rotate":
		err = s.store.MarkRotated(req.Protocol, req.Target)
	case "expire":
		err = s.store.MarkExpired(req.Protocol, req.Target)
	case "get-token":
		resp, err = s.handleGetToken(req)
	case "get-secret":
		resp, err = s.handleGetSecret(req)
	default:
		err = fmt.Errorf("unknown verb %q", req.Verb)
	}

	s.recordDecision(req, err)

	if err != nil {
		resp = Response{OK: false, Error: safeErrorText(err)}
		return resp
	}
	resp.OK = true
	return resp
}

// safeErrorText never reflects raw vault error text (which could embed
// credential material from a lower layer) beyond the small closed set of
// sentinel errors this package itself raises.
func safeErrorText(err error) string {
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return "not found"
	case errors.Is(err, vault.ErrCorrupt):
		return "vault unavailable"
	case errors.Is(err, vault.ErrNoPassphrase):
		return "vault unavailable"
	default:
		return "request failed"
	}
}

func (s *Server) handleGet(req Request) (Response, error) {
	entry, err := s.store.Get(req.Protocol, req.Target)
	if err != nil {
		return Response{}, err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return Response{}, err
	}
	return Response{Data: data}, nil
}

func (s *Server) handleList(req Request) (Response, error) {
	entries, err := s.store.List(req.Protocol)
	if err != nil {
		return Response{}, err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return Response{}, err
	}
	return Response{Data: data}, nil
}

func (s *Server) handleStore(req Request) error {
	credData, err := json.Marshal(req.Credential)
	if err != nil {
		return err
	}
	var cred vault.Credential
	if err := json.Unmarshal(credData, &cred); err != nil {
		return err
	}

	opts := []vault.EntryOption{}
	if req.Label != "" {
		opts = append(opts, vault.WithLabel(req.Label))
	}
	if len(req.AllowedPaths) > 0 {
		opts = append(opts, vault.WithAllowedPaths(req.AllowedPaths))
	}
	if req.RateLimitPerMinute > 0 {
		opts = append(opts, vault.WithRateLimit(req.RateLimitPerMinute))
	}
	return s.store.Store(req.Protocol, req.Target, cred, opts...)
}

// handleGetToken resolves an OAuth-aware access token for target, the
// verb the HTTP/LLM proxies use instead of a raw get() so the refresh
// lifecycle stays entirely inside the vault boundary.
func (s *Server) handleGetToken(req Request) (Response, error) {
	entry, err := s.store.Get("oauth", req.Target)
	if err != nil {
		return Response{}, err
	}
	if entry.Credential.Kind != vault.KindOAuth2 {
		return Response{}, fmt.Errorf("entry is not oauth2")
	}
	if !entry.State.IsUsable() {
		return Response{}, fmt.Errorf("credential not usable in state %s", entry.State)
	}
	data, err := json.Marshal(map[string]string{"access_token": entry.Credential.AccessToken})
	if err != nil {
		return Response{}, err
	}
	return Response{Data: data}, nil
}

func (s *Server) handleGetSecret(req Request) (Response, error) {
	entry, err := s.store.Get("secret", req.Name)
	if err != nil {
		return Response{}, err
	}
	if entry.Credential.Kind != vault.KindOpaque {
		return Response{}, fmt.Errorf("entry is not opaque")
	}
	data, err := json.Marshal(map[string]string{"value": entry.Credential.Value})
	if err != nil {
		return Response{}, err
	}
	return Response{Data: data}, nil
}

func (s *Server) recordDecision(req Request, err error) {
	if s.audit == nil {
		return
	}
	decision := audit.DecisionAllow
	if err != nil {
		decision = audit.DecisionError
	}
	_ = s.audit.Record(audit.Event{
		Component: "vaultrpc",
		Category:  "vault." + req.Verb,
		Decision:  decision,
	})
}
