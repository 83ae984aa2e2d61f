package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-auth-session/consistency"
	"github.com/jrsteele09/go-auth-session/events"
	"github.com/jrsteele09/go-auth-session/identity"
	"github.com/jrsteele09/go-auth-session/identity/identitytest"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/lifecycle"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/server"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/sessions/filestore"
	"github.com/jrsteele09/go-auth-session/suspension"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	devIdP  = flag.Bool("dev-idp", false, "run an in-process development identity backend")
	devUser = flag.String("dev-user", "", "with -dev-idp, sign in as this user id at startup")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Error running sessiond")
	}
	log.Info().Msg("sessiond stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	setupLogging(c)
	displayAppname(c.GetAppName())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	slots, closeSlots, err := buildSlots(ctx, c)
	if err != nil {
		return err
	}
	defer closeSlots()

	repo, err := sessions.NewRepository(slots)
	if err != nil {
		return err
	}

	settings := lifecycle.SettingsFromConfig(c)
	baseURL, issuer, clientID := c.GetIdentityBaseURL(), c.GetOIDCIssuer(), c.GetOIDCClientID()
	var idp *identitytest.Server
	if *devIdP {
		idp, err = identitytest.Start()
		if err != nil {
			return fmt.Errorf("start dev identity backend: %w", err)
		}
		defer idp.Close()
		baseURL, issuer, clientID = idp.URL(), idp.URL(), idp.ClientID()
		log.Warn().Str("url", idp.URL()).Msg("Using development identity backend")
	}

	detector := suspension.NewDetector(
		suspension.WithHeartbeatInterval(c.GetHeartbeatInterval()),
		suspension.WithThreshold(c.GetSuspensionThreshold()),
		suspension.WithRecoveryWindow(c.GetSuspensionRecovery()),
	)
	detector.OnSuspension(func(suspension.State) {
		mt.Suspensions.Inc()
	})

	managerOpts := []lifecycle.Option{
		lifecycle.WithSuspensionSignal(detector),
		lifecycle.WithMetrics(mt),
	}
	var sdk identity.SDK
	if baseURL != "" {
		refresher, err := identity.NewRefreshClient(baseURL, c.GetRefreshPath(), identity.WithTimeout(settings.RefreshTimeout))
		if err != nil {
			return err
		}
		managerOpts = append(managerOpts, lifecycle.WithRefresher(refresher))
	}
	if issuer != "" {
		oauthSDK, err := identity.DiscoverOAuth2SDK(ctx, issuer, clientID, c.GetOIDCClientSecret(), c.GetOIDCScopes())
		if err != nil {
			return err
		}
		sdk = oauthSDK
		managerOpts = append(managerOpts, lifecycle.WithSDK(sdk))
	}

	manager, err := lifecycle.NewManager(repo, settings, managerOpts...)
	if err != nil {
		return err
	}
	defer manager.Close()
	logEvents(manager.Events())

	checkerOpts := []consistency.Option{
		consistency.WithInterval(c.GetConsistencyInterval()),
		consistency.WithMetrics(mt),
	}
	if sdk != nil {
		checkerOpts = append(checkerOpts, consistency.WithSDK(sdk))
	}
	checker, err := consistency.NewChecker(manager, repo, checkerOpts...)
	if err != nil {
		return err
	}
	manager.OnVisible(func(ctx context.Context) {
		checker.Check(ctx)
	})

	detector.Start(ctx)
	defer detector.Stop()

	if manager.InitializeAuth(ctx) {
		log.Info().Msg("Session restored")
	}
	if idp != nil && *devUser != "" {
		snapshot, err := idp.Login(sessions.User{ID: *devUser})
		if err != nil {
			return err
		}
		if err := manager.SetSession(ctx, snapshot); err != nil {
			log.Warn().Err(err).Msg("Development session not persisted")
		}
	}

	checker.Start(ctx)
	defer checker.Stop()

	if c.GetWatchStorage() {
		watcher, err := filestore.NewWatcher(c.GetPrimaryFile(), func() { checker.Check(ctx) })
		if err != nil {
			log.Warn().Err(err).Msg("Session file watcher disabled")
		} else {
			watcher.Start(ctx)
			defer watcher.Close()
		}
	}

	watchVisibility(ctx, manager)

	srv, err := server.New(c, manager,
		server.WithChecker(checker),
		server.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Addr: c.GetPort(), Handler: srv, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listenAndServe(httpServer)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(httpServer)
}

func setupLogging(c config.EnvConfig) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func logEvents(bus *events.Bus) {
	for _, t := range []events.Type{events.Login, events.Logout, events.TokenRefreshed, events.AuthError} {
		bus.AddEventListener(t, func(e events.Event) {
			log.Info().Str("event", string(e.Type)).Str("reason", e.Reason).Str("user", e.UserID).Msg("Session event")
		})
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("Token agent listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
