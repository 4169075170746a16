// Command webtty shares a terminal session over a browser WebSocket
// connection, one PTY-backed child process per session, modeled on
// ttyd's command-line surface and session lifecycle.
package main

import (
	"context"
	"embed"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chris/webtty/auth"
	"github.com/chris/webtty/config"
	"github.com/chris/webtty/registry"
	"github.com/chris/webtty/scheduler"
	"github.com/chris/webtty/server"
)

//go:embed web
var webFiles embed.FS

func main() {
	cfg, exit, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}
	if exit {
		return
	}

	reg := registry.New(cfg.Once, cfg.MaxClients)
	sched := scheduler.New(reg)

	schedCtx, cancelSched := context.WithCancel(context.Background())
	defer cancelSched()
	go sched.Run(schedCtx)

	var authMgr *auth.Manager
	if cfg.WebLogin {
		authMgr = auth.NewManager(firstWebLoginUsername(cfg), cfg.PasswordHash, cfg.TOTPSecret, cfg.JWTSecret)
	}

	webRoot, err := fs.Sub(webFiles, "web")
	if err != nil {
		log.Fatalf("[MAIN] web embed: %v", err)
	}

	// OnOnceExhausted fires once the single --once client disconnects;
	// it triggers the same orderly shutdown a SIGTERM would, then exits
	// 0, matching the source's "serve exactly one client, then quit".
	shutdownCh := make(chan struct{}, 1)
	onOnceExhausted := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}

	srv, err := server.New(cfg, reg, authMgr, webRoot, onOnceExhausted)
	if err != nil {
		log.Fatalf("[MAIN] %v", err)
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Run() }()

	if cfg.Browser {
		if url := server.BrowserURL(cfg); url != "" {
			if err := server.OpenBrowser(url); err != nil {
				log.Printf("[MAIN] opening browser: %v", err)
			}
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			log.Fatalf("[MAIN] server: %v", err)
		}
	case <-shutdownCh:
		log.Printf("[MAIN] once client disconnected, shutting down")
		shutdown(reg, cancelSched, srv)
		os.Exit(0)
	case sig := <-sigCh:
		log.Printf("[MAIN] received %s, shutting down", sig)
		go func() {
			// A second signal means the operator wants out now.
			<-sigCh
			log.Printf("[MAIN] received second signal, forcing exit")
			os.Exit(1)
		}()
		shutdown(reg, cancelSched, srv)
		os.Exit(0)
	}
}

func shutdown(reg *registry.Registry, cancelSched context.CancelFunc, srv *server.Server) {
	reg.Shutdown()
	cancelSched()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[MAIN] http shutdown: %v", err)
	}
}

const shutdownGrace = 5 * time.Second

// firstWebLoginUsername reports the --web-login account name: the
// --credential username when one was given, else the one persisted by
// --setup; Config carries it privately alongside the credential it
// parsed from --credential, so it is threaded through here rather than
// exported more broadly.
func firstWebLoginUsername(cfg *config.Config) string {
	return cfg.WebLoginUsername()
}
