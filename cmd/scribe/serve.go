package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/scribe/pkg/eventstore"
	"github.com/go-go-golems/scribe/pkg/ledger"
	"github.com/go-go-golems/scribe/pkg/lifecycle"
	"github.com/go-go-golems/scribe/pkg/transport"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the event streaming server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().String("listen", ":8765", "listen address")
	cmd.Flags().String("db", "scribe.db", "sqlite database path")
	cmd.Flags().String("ws-path", "/ws", "websocket endpoint path")
	_ = viper.BindPFlags(cmd.Flags())

	return cmd
}

func runServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath := viper.GetString("db")
	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return errors.Wrapf(err, "could not open database %s", dbPath)
	}
	defer func() {
		_ = db.Close()
	}()

	ledgerStore, err := ledger.NewSQLiteStore(db)
	if err != nil {
		return err
	}
	// The guard runs the ledger's status check inside each append transaction,
	// so a concurrent finalize cannot slip events past a closed run.
	eventStore, err := eventstore.NewSQLiteStore(db, eventstore.WithAppendCheck(ledger.AppendGuard()))
	if err != nil {
		return err
	}

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NopLogger{},
	)
	defer func() {
		_ = pubSub.Close()
	}()

	manager := lifecycle.NewManager(
		ledgerStore,
		eventStore,
		lifecycle.WithPublisher(pubSub),
		lifecycle.WithLogger(log.Logger),
	)

	// Runs left streaming by a previous process are settled before we accept
	// new traffic.
	report, err := manager.Reconcile(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("committed", len(report.Committed)).
		Int("failed", len(report.Failed)).
		Int("errors", len(report.Errors)).
		Msg("reconciled interrupted runs")
	for runID, err := range report.Errors {
		log.Warn().Err(err).Str("run_id", runID).Msg("run left unreconciled")
	}

	server := transport.NewServer(eventStore, pubSub, transport.WithServerLogger(log.Logger))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	server.Register(e, viper.GetString("ws-path"))

	listen := viper.GetString("listen")
	go func() {
		log.Info().Str("listen", listen).Str("db", dbPath).Msg("server starting")
		if err := e.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "could not shut down cleanly")
	}

	return nil
}
