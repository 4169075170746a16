// Package server is the HTTP/WebSocket entrypoint: it serves the static
// asset tree, upgrades "/ws" to the tty subprotocol after running the
// same admission checks the source's FILTER_PROTOCOL_CONNECTION callback
// performs before a tty_client is even allocated, and owns the
// listener — plain, TLS, or a UNIX domain socket.
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/chris/webtty/auth"
	"github.com/chris/webtty/config"
	"github.com/chris/webtty/registry"
	"github.com/chris/webtty/session"
	"github.com/chris/webtty/wsproto"
	"github.com/gorilla/websocket"
)

// Server wires configuration, the session registry, the optional
// --web-login guard, and the static asset tree into one http.Server.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	authMgr  *auth.Manager // nil unless --web-login is set
	webRoot  fs.FS
	upgrader websocket.Upgrader

	onOnceExhausted func()

	// httpSrv is the single *http.Server instance Run listens on; Shutdown
	// must operate on this exact instance, not a freshly built one, or it
	// has no live listener to stop.
	httpSrv *http.Server
}

// New builds a Server and its *http.Server (routing, and TLS config when
// --ssl is set), but does not start listening. authMgr may be nil (the
// common, --web-login-less case); webRoot serves the index page and
// static assets, except that cfg.IndexPath, when set, is the file served
// for "/" in place of the embedded index page.
func New(cfg *config.Config, reg *registry.Registry, authMgr *auth.Manager, webRoot fs.FS, onOnceExhausted func()) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		authMgr: authMgr,
		webRoot: webRoot,
		upgrader: websocket.Upgrader{
			Subprotocols:      []string{wsproto.Subprotocol},
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				if !cfg.CheckOrigin {
					return true
				}
				return session.CheckOrigin(r)
			},
		},
		onOnceExhausted: onOnceExhausted,
	}

	mux := http.NewServeMux()

	mux.Handle("/", http.FileServer(http.FS(webRoot)))
	if cfg.IndexPath != "" {
		indexPath := cfg.IndexPath
		mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, indexPath)
		})
	}
	mux.HandleFunc(wsproto.Path, s.handleWebSocket)

	var handler http.Handler = mux
	if authMgr != nil {
		// The wire-protocol AuthToken check inside the session state
		// machine still runs regardless; this additive cookie/Basic
		// guard only covers the HTTP surface (index, assets, the
		// upgrade request itself never reaches the handshake otherwise).
		handler = authMgr.Middleware(mux)
	}

	s.httpSrv = &http.Server{Handler: handler}

	if cfg.SSL {
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		s.httpSrv.TLSConfig = tlsCfg
	}
	return s, nil
}

func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SSLCert, cfg.SSLKey)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	if cfg.SSLCA != "" {
		caBytes, err := os.ReadFile(cfg.SSLCA)
		if err != nil {
			return nil, fmt.Errorf("reading ssl-ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("ssl-ca %s contains no usable certificates", cfg.SSLCA)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

// Run starts listening according to cfg: a UNIX domain socket when Iface
// named one, otherwise TCP on Port, TLS-wrapped when --ssl is set. It
// blocks until the listener errors or the server is shut down.
func (s *Server) Run() error {
	if s.cfg.SocketPath != "" {
		return s.serveUnix()
	}

	addr := net.JoinHostPort("", strconv.Itoa(s.cfg.Port))
	s.httpSrv.Addr = addr
	if s.cfg.SSL {
		log.Printf("[SERVER] listening on https://%s", addr)
		return s.httpSrv.ListenAndServeTLS("", "")
	}
	log.Printf("[SERVER] listening on http://%s", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) serveUnix() error {
	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on unix socket %s: %w", s.cfg.SocketPath, err)
	}
	defer os.Remove(s.cfg.SocketPath)

	log.Printf("[SERVER] listening on unix:%s", s.cfg.SocketPath)
	if s.cfg.SSL {
		tlsLn := tls.NewListener(ln, s.httpSrv.TLSConfig)
		return s.httpSrv.Serve(tlsLn)
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting new HTTP connections and closes the listener
// Run started on, gracefully draining in-flight requests within ctx's
// deadline. Draining live WebSocket sessions is the registry's job
// (Registry.Shutdown), not this method's.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// handleWebSocket runs the admission checks the source performs in
// FILTER_PROTOCOL_CONNECTION and ESTABLISHED before constructing a
// session: origin is enforced by the upgrader (which also negotiates the
// "tty" subprotocol, but does not reject a client that omits it), once/
// max-clients/shutdown policy is enforced here so a rejected client
// never completes the handshake at all.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.reg.Admit() {
		http.Error(w, "server is not accepting new sessions", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.reg.Release()
		log.Printf("[SERVER] websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	deps := session.Deps{
		Cfg:             s.cfg,
		Reg:             s.reg,
		OnOnceExhausted: s.onOnceExhausted,
	}
	sess := session.New(conn, r, deps)
	sess.Run()
}

// BrowserURL builds the URL --browser should open for cfg; "" for a
// UNIX-socket listener, which has no URL to open.
func BrowserURL(cfg *config.Config) string {
	if cfg.SocketPath != "" {
		return ""
	}
	scheme := "http"
	if cfg.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://localhost:%d", scheme, cfg.Port)
}

// OpenBrowser shells out to the platform opener, matching ttyd's
// optional convenience of launching a viewer on startup.
func OpenBrowser(url string) error {
	var cmd string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		cmd, args = "open", []string{url}
	case "windows":
		cmd, args = "cmd", []string{"/c", "start", url}
	default:
		cmd, args = "xdg-open", []string{url}
	}
	return exec.Command(cmd, args...).Start()
}
