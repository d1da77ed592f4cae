package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nilroute/wikihop/pkg/cache"
	"github.com/nilroute/wikihop/pkg/database"
	"github.com/nilroute/wikihop/pkg/lock"
	"github.com/nilroute/wikihop/pkg/lock/local"
	"github.com/nilroute/wikihop/pkg/prometheus"
	"github.com/nilroute/wikihop/pkg/search"
	"github.com/nilroute/wikihop/pkg/server"
	"github.com/nilroute/wikihop/pkg/wiki"

	redislock "github.com/nilroute/wikihop/pkg/lock/redis"
)

var (
	// ErrRedisAddrRequired is returned if --cache-lock-backend=redis was given
	// without --redis-addr.
	ErrRedisAddrRequired = errors.New("--redis-addr is required when --cache-lock-backend is redis")

	// ErrUnknownLockBackend is returned for an unrecognized --cache-lock-backend.
	ErrUnknownLockBackend = errors.New("unknown --cache-lock-backend; must be local or redis")
)

//nolint:funlen
func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the path search API over http",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the server",
				Sources: flagSources("server.addr", "SERVER_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "The URL of the database",
				Sources:  flagSources("database.url", "DATABASE_URL"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "upstream-url",
				Usage:   "The URL of the upstream encyclopedia API",
				Sources: flagSources("upstream.url", "UPSTREAM_URL"),
				Value:   "https://en.wikipedia.org/w/api.php",
				Validator: func(us string) error {
					_, err := url.Parse(us)

					return err
				},
			},
			&cli.IntFlag{
				Name:    "upstream-concurrency",
				Usage:   "The cap on concurrent outstanding upstream requests",
				Sources: flagSources("upstream.concurrency", "UPSTREAM_CONCURRENCY"),
				Value:   wiki.DefaultConcurrency,
			},
			&cli.IntFlag{
				Name:    "upstream-neighbor-cap",
				Usage:   "The maximum number of neighbors fetched per title",
				Sources: flagSources("upstream.neighbor-cap", "UPSTREAM_NEIGHBOR_CAP"),
				Value:   wiki.DefaultNeighborCap,
			},
			&cli.DurationFlag{
				Name:    "upstream-fetch-timeout",
				Usage:   "The timeout of a single upstream fetch",
				Sources: flagSources("upstream.fetch-timeout", "UPSTREAM_FETCH_TIMEOUT"),
				Value:   wiki.DefaultFetchTimeout,
			},
			&cli.IntFlag{
				Name:    "search-max-depth",
				Usage:   "The maximum combined depth of the bidirectional search",
				Sources: flagSources("search.max-depth", "SEARCH_MAX_DEPTH"),
				Value:   search.DefaultMaxDepth,
			},
			&cli.IntFlag{
				Name:    "search-diversity-slack",
				Usage:   "How far past the shortest path the search keeps expanding",
				Sources: flagSources("search.diversity-slack", "SEARCH_DIVERSITY_SLACK"),
				Value:   search.DefaultDiversitySlack,
			},
			&cli.IntFlag{
				Name:    "search-pages-ceiling",
				Usage:   "The maximum number of pages checked before a search is truncated",
				Sources: flagSources("search.pages-ceiling", "SEARCH_PAGES_CEILING"),
				Value:   search.DefaultPagesCheckedCeiling,
			},
			&cli.DurationFlag{
				Name:    "search-request-timeout",
				Usage:   "The wall-clock cap of a single search request",
				Sources: flagSources("search.request-timeout", "SEARCH_REQUEST_TIMEOUT"),
				Value:   search.DefaultRequestTimeout,
			},
			&cli.IntFlag{
				Name:    "cache-capacity",
				Usage:   "The capacity of the in-memory segment cache and the durable tier cap",
				Sources: flagSources("cache.capacity", "CACHE_CAPACITY"),
				Value:   cache.DefaultCapacity,
			},
			&cli.IntFlag{
				Name:    "cache-ttl-days",
				Usage:   "How many days an unused durable segment is retained",
				Sources: flagSources("cache.ttl-days", "CACHE_TTL_DAYS"),
				Value:   30,
			},
			&cli.IntFlag{
				Name:    "cache-warm-limit",
				Usage:   "How many durable segments to load into memory at startup",
				Sources: flagSources("cache.warm-limit", "CACHE_WARM_LIMIT"),
				Value:   1000,
			},
			&cli.StringFlag{
				Name: "cache-compact-schedule",
				//nolint:lll
				Usage:   "The cron spec for compacting the durable tier. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
				Sources: flagSources("cache.compact.schedule", "CACHE_COMPACT_SCHEDULE"),
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "cache-compact-timezone",
				Usage:   "The name of the timezone to use for the cron",
				Sources: flagSources("cache.compact.timezone", "CACHE_COMPACT_TZ"),
				Value:   "Local",
			},
			&cli.StringFlag{
				Name:    "cache-lock-backend",
				Usage:   "The lock backend guarding the segment cache: local or redis",
				Sources: flagSources("cache.lock.backend", "CACHE_LOCK_BACKEND"),
				Value:   "local",
			},
			&cli.StringSliceFlag{
				Name:    "redis-addr",
				Usage:   "Set to host:port for each Redis node used by the redis lock backend",
				Sources: flagSources("cache.lock.redis.addrs", "REDIS_ADDRS"),
			},
		},
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers
		// the errgroup 'g' to start exiting.
		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		db, err := openDatabase(ctx, cmd)
		if err != nil {
			return err
		}

		wikiClient, err := createWikiClient(ctx, cmd)
		if err != nil {
			return err
		}

		segmentCache, err := createCache(ctx, cmd, db, g)
		if err != nil {
			return err
		}

		engine := search.New(wikiClient, segmentCache, db, search.Config{
			MaxDepth:            cmd.Int("search-max-depth"),
			DiversitySlack:      cmd.Int("search-diversity-slack"),
			PagesCheckedCeiling: cmd.Int("search-pages-ceiling"),
			RequestTimeout:      cmd.Duration("search-request-timeout"),
		})

		srv := server.New(logger, engine, segmentCache, db, wikiClient)

		// Setup Prometheus metrics if enabled
		var prometheusShutdown func(context.Context) error

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			prometheusShutdown = shutdown

			srv.SetPrometheusGatherer(gatherer)

			logger.Info().Msg("Prometheus metrics enabled at /metrics")
		}

		defer func() {
			if prometheusShutdown != nil {
				if err := prometheusShutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
				}
			}
		}()

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer shutdownCancel()

			return httpServer.Shutdown(shutdownCtx)
		})

		logger.Info().
			Str("server_addr", cmd.String("server-addr")).
			Msg("Server started")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

func openDatabase(ctx context.Context, cmd *cli.Command) (*database.DB, error) {
	dbURL := cmd.String("database-url")

	db, err := database.Open(dbURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening the database %q: %w", dbURL, err)
	}

	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("error migrating the database: %w", err)
	}

	zerolog.Ctx(ctx).
		Info().
		Str("database_type", db.Type().String()).
		Msg("database opened and migrated")

	return db, nil
}

func createWikiClient(ctx context.Context, cmd *cli.Command) (*wiki.Client, error) {
	us := cmd.String("upstream-url")

	u, err := url.Parse(us)
	if err != nil {
		return nil, fmt.Errorf("error parsing --upstream-url=%q: %w", us, err)
	}

	client, err := wiki.New(ctx, u, &wiki.Options{
		Concurrency:  int64(cmd.Int("upstream-concurrency")),
		NeighborCap:  cmd.Int("upstream-neighbor-cap"),
		FetchTimeout: cmd.Duration("upstream-fetch-timeout"),
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the upstream client: %w", err)
	}

	return client, nil
}

func createCache(
	ctx context.Context,
	cmd *cli.Command,
	db *database.DB,
	g *errgroup.Group,
) (*cache.Cache, error) {
	locker, err := createLocker(ctx, cmd)
	if err != nil {
		return nil, err
	}

	c := cache.New(ctx, db, &cache.Options{
		Capacity:   cmd.Int("cache-capacity"),
		TTL:        time.Duration(cmd.Int("cache-ttl-days")) * 24 * time.Hour,
		DurableCap: cmd.Int("cache-capacity"),
		Locker:     locker,
	})

	g.Go(func() error {
		return c.Run(ctx)
	})

	if limit := cmd.Int("cache-warm-limit"); limit > 0 {
		if _, err := c.Warm(ctx, limit); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("error warming the segment cache")
		}
	}

	if schedule := cmd.String("cache-compact-schedule"); schedule != "" {
		loc, err := time.LoadLocation(cmd.String("cache-compact-timezone"))
		if err != nil {
			return nil, fmt.Errorf("error parsing the timezone %q: %w", cmd.String("cache-compact-timezone"), err)
		}

		c.SetupCron(ctx, loc)

		parsed, err := cron.ParseStandard(schedule)
		if err != nil {
			return nil, fmt.Errorf("error parsing the cron spec %q: %w", schedule, err)
		}

		c.AddCompactionCronJob(ctx, parsed)

		c.StartCron(ctx)
	}

	return c, nil
}

func createLocker(ctx context.Context, cmd *cli.Command) (lock.Locker, error) {
	backend := strings.ToLower(cmd.String("cache-lock-backend"))

	switch backend {
	case "local", "":
		return local.NewLocker(), nil

	case "redis":
		addrs := cmd.StringSlice("redis-addr")
		if len(addrs) == 0 {
			return nil, ErrRedisAddrRequired
		}

		return redislock.NewLocker(ctx, redislock.Config{
			Addrs: addrs,
		}, lock.DefaultRetryConfig(), true)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownLockBackend, backend)
	}
}
