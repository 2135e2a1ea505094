// Command restpipe runs an incremental extract-load pipeline described by a
// JSON config file. Sink credentials come from the environment (optionally a
// .env file): MONGO_URI for the mongodb sink, SQLSERVER_DSN for the sqlserver
// sink.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/bjaus/restpipe"
	"github.com/bjaus/restpipe/mongosink"
	"github.com/bjaus/restpipe/sqlsink"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "restpipe",
		Short:         "Incremental extract-load pipeline for paginated HTTP APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline described by the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "pipeline.json", "path to the pipeline config file")
	return cmd
}

// config is the on-disk pipeline description.
type config struct {
	BaseURL          string            `json:"base_url"`
	Sink             string            `json:"sink"` // memory | mongodb | sqlserver
	Database         string            `json:"database,omitempty"`
	CursorFile       string            `json:"cursor_file,omitempty"`
	Workers          int               `json:"workers,omitempty"`
	BatchSize        int               `json:"batch_size,omitempty"`
	MaxInFlight      int               `json:"max_in_flight,omitempty"`
	RetryAttempts    int               `json:"retry_attempts,omitempty"`
	RetryInitialMS   int               `json:"retry_initial_ms,omitempty"`
	RateLimitPerSec  float64           `json:"rate_limit_per_sec,omitempty"`
	RateBurst        int               `json:"rate_burst,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Resources        []resourceConfig  `json:"resources"`
}

type resourceConfig struct {
	Name            string            `json:"name"`
	Path            string            `json:"path"`
	PageSize        int               `json:"page_size,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	Pagination      string            `json:"pagination,omitempty"`
	DataField       string            `json:"data_field,omitempty"`
	PageParam       string            `json:"page_param,omitempty"`
	PageSizeParam   string            `json:"page_size_param,omitempty"`
	TotalPagesField string            `json:"total_pages_field,omitempty"`
	NextLinkField   string            `json:"next_link_field,omitempty"`
	CursorField     string            `json:"cursor_field,omitempty"`
	CursorType      string            `json:"cursor_type,omitempty"`
	CursorParam     string            `json:"cursor_param,omitempty"`
	InitialCursor   string            `json:"initial_cursor,omitempty"`
	Disposition     string            `json:"write_disposition,omitempty"`
	PrimaryKey      []string          `json:"primary_key,omitempty"`
	BatchSize       int               `json:"batch_size,omitempty"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

func run(parent context.Context, cfg *config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	sink, cleanup, err := buildSink(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	resources := make([]restpipe.Resource, len(cfg.Resources))
	for i, rc := range cfg.Resources {
		resources[i] = restpipe.Resource{
			Name:            rc.Name,
			Path:            rc.Path,
			PageSize:        rc.PageSize,
			Params:          rc.Params,
			Pagination:      restpipe.Pagination(rc.Pagination),
			DataField:       rc.DataField,
			PageParam:       rc.PageParam,
			PageSizeParam:   rc.PageSizeParam,
			TotalPagesField: rc.TotalPagesField,
			NextLinkField:   rc.NextLinkField,
			CursorField:     rc.CursorField,
			CursorType:      restpipe.CursorType(rc.CursorType),
			CursorParam:     rc.CursorParam,
			InitialCursor:   rc.InitialCursor,
			Disposition:     restpipe.Disposition(rc.Disposition),
			PrimaryKey:      rc.PrimaryKey,
			BatchSize:       rc.BatchSize,
		}
	}

	p := restpipe.New(cfg.BaseURL, sink, resources...).
		WithLogger(log).
		WithHeaders(cfg.Headers)
	if cfg.Workers > 0 {
		p = p.WithWorkers(cfg.Workers)
	}
	if cfg.BatchSize > 0 {
		p = p.WithBatchSize(cfg.BatchSize)
	}
	if cfg.MaxInFlight > 0 {
		p = p.WithMaxInFlight(cfg.MaxInFlight)
	}
	if cfg.RetryAttempts > 0 {
		p = p.WithRetry(cfg.RetryAttempts, time.Duration(cfg.RetryInitialMS)*time.Millisecond)
	}
	if cfg.RateLimitPerSec > 0 {
		burst := cfg.RateBurst
		if burst == 0 {
			burst = 1
		}
		p = p.WithRateLimit(cfg.RateLimitPerSec, burst)
	}
	if cfg.CursorFile != "" {
		p = p.WithCursorStore(restpipe.NewFileCursorStore(cfg.CursorFile))
	}

	result, err := p.Run(ctx)
	if err != nil {
		return err
	}

	// The run summary is the machine-readable output; logs go to stderr.
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !result.OK() {
		return fmt.Errorf("resources failed: %v", result.Failed())
	}
	return nil
}

// buildSink constructs the configured sink and returns a cleanup function for
// its connections.
func buildSink(ctx context.Context, cfg *config) (restpipe.Sink, func(), error) {
	switch cfg.Sink {
	case "", "memory":
		return restpipe.NewMemorySink(), func() {}, nil

	case "mongodb":
		uri := os.Getenv("MONGO_URI")
		if uri == "" {
			return nil, nil, fmt.Errorf("mongodb sink requires MONGO_URI")
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		db := cfg.Database
		if db == "" {
			db = "restpipe"
		}
		cleanup := func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = client.Disconnect(disconnectCtx)
		}
		return mongosink.New(client, db), cleanup, nil

	case "sqlserver":
		dsn := os.Getenv("SQLSERVER_DSN")
		if dsn == "" {
			return nil, nil, fmt.Errorf("sqlserver sink requires SQLSERVER_DSN")
		}
		db, err := sql.Open("sqlserver", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlserver: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping sqlserver: %w", err)
		}
		return sqlsink.New(db), func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}
