// Command reploop runs one completion against a configured language model,
// printing the resulting answer (or structured value) to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	reploop "github.com/arcloop/reploop"
	"github.com/arcloop/reploop/config"
	"github.com/arcloop/reploop/llm"
	"github.com/arcloop/reploop/observer"
	"github.com/arcloop/reploop/sandbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reploop:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a reploop.toml config file")
		query      = flag.String("query", "", "the query to run a completion against")
		queryCtx   = flag.String("context", "", "context text passed alongside the query")
		traceFlag  = flag.Bool("trace", false, "export OTEL traces/metrics via OTLP/HTTP")
	)
	flag.Parse()
	if *query == "" {
		return fmt.Errorf("-query is required")
	}

	cfg, modelCfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var tracer reploop.Tracer
	if *traceFlag {
		ctx := context.Background()
		t, _, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
		tracer = t
	}

	model := llm.NewHTTP(modelCfg.APIKey, modelCfg.Name, modelCfg.BaseURL)

	newSandbox := sandbox.NewHostFactory(cfg, logger)

	rt := reploop.NewRuntime(cfg, model, tracer, logger, newSandbox)

	ctx := context.Background()
	if cfg.MaxTimeMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.MaxTimeMs)*time.Millisecond)
		defer cancel()
	}

	result, err := rt.Complete(ctx, reploop.CallOptions{Query: *query, Context: *queryCtx})
	if err != nil {
		return err
	}

	switch r := result.(type) {
	case reploop.Answer:
		fmt.Println(r.Text)
	case reploop.StructuredAnswer:
		var pretty any
		if err := json.Unmarshal(r.Value, &pretty); err == nil {
			encoded, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(encoded))
		} else {
			fmt.Println(string(r.Value))
		}
	}
	return nil
}
