package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}
	flags, fs, _ := parseFlags(os.Args[0], os.Args[1:], flag.ExitOnError)

	config, err := loadConfig(flags.config, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	flags.apply(&config, fs)

	// set log level
	logLevel := zerolog.DebugLevel
	if flags.trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	originURL, originHost, err := config.originURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not determine origin")
	}

	cacheProvider, err := cache.NewSQLiteCache(sqliteFilename(config.DB, "cache"))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer cacheProvider.Close()
	submissions, err := queue.NewSQLiteQueue(sqliteFilename(config.QueueDB, "queue"))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open submission queue db")
	}
	defer submissions.Close()

	interceptor, err := offlinecache.New(offlinecache.Config{
		Cache:            cacheProvider,
		Queue:            submissions,
		OriginURL:        originURL,
		OriginHost:       originHost,
		Logger:           &log.Logger,
		AssetStore:       config.AssetStore,
		APIStore:         config.APIStore,
		Freshness:        config.Freshness,
		Prewarm:          config.Prewarm,
		FallbackDocument: config.FallbackDocument,
		Rules:            config.Rules,
		SyncInterval:     config.SyncInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create interceptor")
	}
	defer interceptor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interceptor.Install(ctx)
	if err := interceptor.Activate(ctx); err != nil {
		log.Error().Err(err).Msg("Activation finished with errors")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: interceptor.Router(),
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", config.Port, originURL.String(), originHost)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped")
	}
}
