// Package main is the entry point for the fragment server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fragserv/fragserv/internal/config"
	"github.com/fragserv/fragserv/internal/events"
	"github.com/fragserv/fragserv/internal/fetch"
	"github.com/fragserv/fragserv/internal/fragserv"
	"github.com/fragserv/fragserv/internal/fragtemplate"
	"github.com/fragserv/fragserv/internal/metrics"
	"github.com/fragserv/fragserv/internal/server"
	"github.com/fragserv/fragserv/internal/tokenizer"
)

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Build the metrics sink and a logging sink, and fan every
	// composition-pipeline event out to both — the same
	// multiple-listeners-off-one-event-stream shape the teacher uses to
	// keep its logger and provider adapters decoupled from each other.
	registry := prometheus.NewRegistry()
	sink := events.Multi{
		metrics.New(registry),
		events.Func(func(e events.Event) {
			if e.Kind == events.KindError {
				log.Printf("fragserv: %s: %v", e.Kind, e.Err)
			}
		}),
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     cfg.Server.MaxUpstreamConns,
			MaxIdleConnsPerHost: cfg.Server.MaxUpstreamConns,
		},
	}

	templates := fetch.NewTemplateService(cfg.Fetchers.TemplateBaseURL, httpClient)
	contexts := fetch.NewContextService(cfg.Fetchers.ContextBaseURL, httpClient)

	tokenizerCfg := tokenizer.Config{
		FragmentTag:    cfg.Fragments.FragmentTag,
		SlotTag:        cfg.Fragments.SlotTag,
		DefaultTimeout: cfg.Server.DefaultFragmentTimeout,
	}
	parse := func(raw io.Reader) ([]fragtemplate.Token, error) {
		return tokenizer.Parse(raw, tokenizerCfg)
	}

	handler := &fragserv.Handler{
		FetchTemplate:   templates.Fetch,
		FetchContext:    contexts.Fetch,
		ParseTemplate:   parse,
		Client:          httpClient,
		Sink:            sink,
		MaxAssetLinks:   cfg.Fragments.MaxAssetLinks,
		FallbackSnippet: []byte(cfg.Server.FallbackSnippet),
	}

	srv := server.New(handler, registry)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Run the server in its own goroutine so the main goroutine is free
	// to wait on the shutdown signal below.
	go func() {
		log.Printf("fragserv listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Print("shutting down, draining in-flight requests")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
