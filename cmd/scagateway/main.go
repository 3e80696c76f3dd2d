package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/knadh/scagateway/internal/events"
	"github.com/knadh/scagateway/internal/sca"
	"github.com/knadh/scagateway/internal/store"
	sqlstore "github.com/knadh/scagateway/internal/store/sql"
	"github.com/zerodha/logf"
	"golang.org/x/sync/errgroup"
)

// App is the global app context that groups the necessary
// controls (db, config etc.) to be injected into the HTTP handlers.
type App struct {
	mgr    *sca.Manager
	engine *sca.Engine

	db         *sqlstore.SQL
	challenges store.ChallengeStore
	attempts   store.AttemptStore
	audit      store.AuditStore
	history    store.HistoryStore

	lo logf.Logger
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.Bool("app.debug") || ko.Bool("debug"))
	lo.Info("starting scagateway", "version", buildString)

	db := initDB(lo)
	defer db.Close()

	// Install the schema and quit?
	if ko.Bool("install") {
		if err := db.Install(context.Background()); err != nil {
			lo.Fatal("error installing schema", "error", err)
		}
		lo.Info("schema installed")
		return
	}

	challenges, pubs := initChallengeStore(db, lo)
	pubs = append(pubs, initWebhook(lo)...)

	var evOpts events.Opts
	ko.UnmarshalWithConf("events", &evOpts, koanf.UnmarshalConf{Tag: "json"})
	disp := events.New(events.Stores{Attempts: db, Audit: db, History: db}, pubs, lo, evOpts)

	engine := sca.NewEngine(db, challenges, disp, lo, sca.EngineOpts{
		ChallengeTTL: ko.Duration("app.challenge_ttl"),
	})
	app := &App{
		mgr: sca.NewManager(db, engine, disp, lo, sca.ManagerOpts{
			OperationTTL:   ko.Duration("app.operation_ttl"),
			AllowRetrigger: ko.Bool("app.allow_retrigger"),
		}),
		engine:     engine,
		db:         db,
		challenges: challenges,
		attempts:   db,
		audit:      db,
		history:    db,
		lo:         lo,
	}

	authCreds := initAuth(lo)
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initRoutes(app, authCreds),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lo.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()

		lo.Info("shutting down server")
		sCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(sCtx)
	})

	if err := g.Wait(); err != nil {
		lo.Error("server error", "error", err)
	}

	// Flush queued records before the stores go away.
	disp.Close()
	if d := disp.Dropped(); d > 0 {
		lo.Warn("records were dropped", "count", d)
	}
}
