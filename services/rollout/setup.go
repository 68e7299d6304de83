package rollout

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"patchwave/pkg/azure"
	"patchwave/pkg/bus"
	"patchwave/pkg/db"
	"patchwave/pkg/graph"
)

// Config carries the environment-derived settings for a pipeline.
type Config struct {
	// ARMEndpoint overrides the management endpoint for deployments and
	// assignment writes. Empty selects the public cloud.
	ARMEndpoint string
	// GraphEndpoint overrides the Resource Graph endpoint. Empty selects the
	// public cloud.
	GraphEndpoint string
	// Subscriptions scopes inventory queries. Empty queries the whole tenant.
	Subscriptions []string
	// DatabaseDSN enables the run history store when set.
	DatabaseDSN string
}

// ConfigFromEnv reads pipeline settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		ARMEndpoint:   strings.TrimSpace(os.Getenv("ARM_ENDPOINT")),
		GraphEndpoint: strings.TrimSpace(os.Getenv("GRAPH_ENDPOINT")),
		Subscriptions: splitList(os.Getenv("ROLLOUT_SUBSCRIPTIONS")),
		DatabaseDSN:   strings.TrimSpace(os.Getenv("ROLLOUT_DB_DSN")),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NewPipeline builds a pipeline from config: authenticated graph and ARM
// clients always, plus history, event bus, and snapshot archive when their
// environment is present. The returned closer releases bus and database
// handles.
func NewPipeline(ctx context.Context, cfg Config, logger *log.Logger) (*Pipeline, func(), error) {
	tokenSource, err := azure.NewTokenSource(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("token source: %w", err)
	}
	httpClient := azure.NewHTTPClient(ctx, tokenSource)

	graphClient, err := graph.New(httpClient, cfg.GraphEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("graph client: %w", err)
	}
	armClient, err := azure.NewClient(httpClient, cfg.ARMEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("arm client: %w", err)
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	eventBus, err := bus.NewFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("event bus: %w", err)
	}
	if eventBus != nil {
		closers = append(closers, eventBus.Close)
	}

	var history *History
	if cfg.DatabaseDSN != "" {
		pool, err := db.Open(ctx, cfg.DatabaseDSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open history database: %w", err)
		}
		closers = append(closers, pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("migrate history database: %w", err)
		}
		history, err = NewHistory(pool)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
	}

	archive, err := NewArchiveFromEnv()
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("snapshot archive: %w", err)
	}

	return &Pipeline{
		Graph:   graphClient,
		ARM:     armClient,
		Bus:     eventBus,
		History: history,
		Archive: archive,
		Logger:  logger,
	}, closeAll, nil
}
