// Command gateway is the process entry point: it parses the CLI surface
// (spec §6), wires C1-C12 together, and brings up either the HTTP server or
// a one-shot OAuth flow, grounded on the teacher's cmd/server/main.go
// flag-driven dispatch, reshaped into the spec's subcommand surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/routecodex/gateway/internal/compat"
	"github.com/routecodex/gateway/internal/daemon"
	"github.com/routecodex/gateway/internal/gwconfig"
	"github.com/routecodex/gateway/internal/gwerrors"
	"github.com/routecodex/gateway/internal/httpapi"
	"github.com/routecodex/gateway/internal/lifecycle"
	"github.com/routecodex/gateway/internal/logging"
	"github.com/routecodex/gateway/internal/pipeline"
	"github.com/routecodex/gateway/internal/providerclient"
	"github.com/routecodex/gateway/internal/tokenstore"
)

// Exit codes per spec §6.
const (
	exitSuccess        = 0
	exitGenericFailure = 1
	exitConfigInvalid  = 2
	exitAuthRejected   = 3
	exitUserTimeout    = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logging.Init(logging.Options{Level: os.Getenv("ROUTECODEX_LOG_LEVEL")})
	log := logging.For("cmd.gateway")

	if len(args) == 0 {
		printUsage()
		return exitGenericFailure
	}

	cfgPath := os.Getenv("ROUTECODEX_CONFIG")
	cfg, err := gwconfig.Load(cfgPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return exitConfigInvalid
	}
	applyEnvOverrides(cfg)

	switch args[0] {
	case "server":
		if len(args) < 2 || args[1] != "start" {
			printUsage()
			return exitGenericFailure
		}
		return runServer(cfg)
	case "oauth":
		return runOAuthCommand(cfg, args[1:])
	default:
		printUsage()
		return exitGenericFailure
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  gateway server start")
	fmt.Fprintln(os.Stderr, "  gateway oauth <provider> <alias>")
	fmt.Fprintln(os.Stderr, "  gateway oauth <provider>-auto <file>")
}

func applyEnvOverrides(cfg *gwconfig.Config) {
	if v := os.Getenv("ROUTECODEX_HOME"); v != "" && cfg.AuthDir == "" {
		cfg.AuthDir = v
	}
	if v := os.Getenv("ROUTECODEX_OAUTH_AUTO_OPEN"); v != "" {
		cfg.OAuth.AutoOpenBrowser = v == "1"
	}
	if v := os.Getenv("ROUTECODEX_OAUTH_FORCE_REAUTH"); v != "" {
		cfg.OAuth.ForceReauth = v == "1"
	}
}

// flowOrderFor mirrors spec §4.3: iFlow tries authorization_code before
// falling back to device_code; every other provider family is device-code
// only (Gemini-CLI/Antigravity use the Google device endpoint; Qwen is the
// canonical device-code provider this whole flow was modeled on).
func flowOrderFor(provider string) []lifecycle.FlowKind {
	if provider == "iflow" {
		return []lifecycle.FlowKind{lifecycle.FlowAuthCode, lifecycle.FlowDeviceCode}
	}
	return []lifecycle.FlowKind{lifecycle.FlowDeviceCode}
}

func buildLifecycleManager(cfg *gwconfig.Config) (*tokenstore.Store, *lifecycle.Manager) {
	store := tokenstore.New()
	throttle := time.Duration(cfg.OAuth.ThrottleSeconds) * time.Second
	mgr := lifecycle.NewManager(store, http.DefaultClient, throttle)
	return store, mgr
}

// runOAuthCommand implements "oauth <provider> <alias>" (interactive) and
// "oauth <provider>-auto <file>" (daemon-style single-file refresh).
func runOAuthCommand(cfg *gwconfig.Config, args []string) int {
	l := logging.For("cmd.gateway.oauth")
	if len(args) < 2 {
		printUsage()
		return exitGenericFailure
	}
	providerArg, target := args[0], args[1]
	_, mgr := buildLifecycleManager(cfg)

	if strings.HasSuffix(providerArg, "-auto") {
		provider := strings.TrimSuffix(providerArg, "-auto")
		auth := lifecycle.Auth{Provider: provider, Path: target, FlowOrder: flowOrderFor(provider)}
		_, err := mgr.EnsureValidToken(context.Background(), auth, lifecycle.Options{})
		if err != nil {
			return exitCodeForOAuthErr(err)
		}
		l.WithField("provider", provider).WithField("path", target).Info("token refreshed")
		return exitSuccess
	}

	provider, alias := providerArg, target
	desc := tokenstore.Descriptor{Provider: provider, Alias: alias, Sequence: 1}
	path := desc.FilePath(cfg.AuthDir)
	auth := lifecycle.Auth{Provider: provider, Alias: alias, Path: path, FlowOrder: flowOrderFor(provider)}

	_, err := mgr.EnsureValidToken(context.Background(), auth, lifecycle.Options{ForceReauthorize: true})
	if err != nil {
		return exitCodeForOAuthErr(err)
	}
	l.WithField("provider", provider).WithField("alias", alias).WithField("path", path).Info("authorization complete")
	return exitSuccess
}

func exitCodeForOAuthErr(err error) int {
	log := logging.For("cmd.gateway.oauth")
	var gwErr *gwerrors.Error
	if errors.As(err, &gwErr) {
		switch gwErr.Code {
		case gwerrors.CodeAuthFlowTimedOut:
			log.WithError(err).Error("authorization timed out")
			return exitUserTimeout
		case gwerrors.CodeAuthFlowRejected, gwerrors.CodeAuthInvalid:
			log.WithError(err).Error("authorization rejected")
			return exitAuthRejected
		}
	}
	log.WithError(err).Error("authorization failed")
	return exitGenericFailure
}

// runServer wires C1-C12 and the HTTP surface, then blocks until an
// interrupt/term signal triggers graceful shutdown.
func runServer(cfg *gwconfig.Config) int {
	l := logging.For("cmd.gateway.server")

	if len(cfg.Providers) == 0 {
		l.Error("no provider profiles configured")
		return exitConfigInvalid
	}

	store, lifecycleMgr := buildLifecycleManager(cfg)
	registry := compat.Default()

	authFor := func(provider string) lifecycle.Auth {
		desc := tokenstore.Descriptor{Provider: provider, Alias: "default", Sequence: 1}
		return lifecycle.Auth{
			Provider:  provider,
			Alias:     "default",
			Path:      desc.FilePath(cfg.AuthDir),
			FlowOrder: flowOrderFor(provider),
		}
	}

	providerClientFor := func(name string) (*providerclient.Client, error) {
		profile, ok := cfg.Providers[name]
		if !ok {
			return nil, gwerrors.Newf(gwerrors.CodeInvalidConfig, "cmd.gateway: no provider profile for %q", name)
		}
		auth := authFor(name)
		if profile.AuthScheme == "apikey" {
			auth.Static = true
		}
		return providerclient.New(name, profile, nil, lifecycleMgr, auth, gwerrors.NoopSink{}), nil
	}

	factories := httpapi.BuildFactories(registry, providerClientFor)

	mgr := pipeline.New(gwerrors.NoopSink{})
	if err := mgr.Initialize(context.Background(), cfg, factories, true); err != nil {
		l.WithError(err).Error("pipeline initialization failed")
		return exitConfigInvalid
	}

	authsFn := func() []lifecycle.Auth {
		descs, derr := store.ListDescriptors(cfg.AuthDir)
		if derr != nil {
			return nil
		}
		auths := make([]lifecycle.Auth, 0, len(descs))
		for _, d := range descs {
			auths = append(auths, lifecycle.Auth{
				Provider:  d.Provider,
				Alias:     d.Alias,
				Path:      d.FilePath(cfg.AuthDir),
				FlowOrder: flowOrderFor(d.Provider),
			})
		}
		return auths
	}

	daemonCfg := daemon.Config{
		ScanInterval:                 cfg.OAuth.DaemonScanInterval,
		RefreshAheadWindow:           cfg.OAuth.RefreshAheadWindow,
		PerTokenThrottle:             cfg.OAuth.DaemonPerTokenThrottle,
		MaxUserTimeoutsBeforeSuspend: cfg.OAuth.MaxUserTimeoutsBeforeSuspend,
	}
	tokenDaemon := daemon.New(daemonCfg, lifecycleMgr, store, cfg.AuthDir, authsFn)

	portal := httpapi.NewPortal("")
	server := httpapi.NewServer(mgr, portal, cfg.APIKeys, cfg.Streaming)

	port := resolvePort()
	httpServer := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: server.Engine}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokenDaemon.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		l.WithField("port", port).Info("gateway listening")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("http server failed")
			tokenDaemon.Stop()
			return exitGenericFailure
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	tokenDaemon.Stop()
	_ = portal.Stop(shutdownCtx)
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		l.WithError(err).Warn("pipeline shutdown reported errors")
	}
	return exitSuccess
}

func resolvePort() int {
	for _, env := range []string{"ROUTECODEX_PORT", "RCC_PORT"} {
		if v := os.Getenv(env); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				return p
			}
		}
	}
	return 8080
}
