// Command inspector runs the inspection engine as an HTTP sidecar: every
// request hitting the listener is mapped, analyzed and answered with a
// verdict document the fronting proxy acts on.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"edgewaf/analyze"
	"edgewaf/configloading"
	"edgewaf/contentfilter"
	"edgewaf/geodb"
	"edgewaf/hyperscan"
	"edgewaf/logging"
	"edgewaf/metrics"
	"edgewaf/redisstore"
	"edgewaf/waf"
)

type options struct {
	configPath  string
	geoDBPath   string
	redisURL    string
	listen      string
	logLevel    string
	trustedHops int
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:   "inspector",
		Short: "HTTP request inspection engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	root.Flags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "configuration snapshot file")
	root.Flags().StringVar(&opts.geoDBPath, "geodb", "", "GeoIP data set file (JSON)")
	root.Flags().StringVar(&opts.redisURL, "redis-url", "", "redis URL for the flow/limit counter store")
	root.Flags().StringVarP(&opts.listen, "listen", "l", ":8081", "listen address")
	root.Flags().StringVar(&opts.logLevel, "loglevel", "info", "log level: debug, info, warn, error, fatal, panic")
	root.Flags().IntVar(&opts.trustedHops, "trusted-hops", 0, "number of trusted proxies in front; 0 uses the peer address")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	level, err := zerolog.ParseLevel(opts.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %v", opts.logLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	analyzer := &analyze.Analyzer{Logger: logger}

	gdb := geodb.NewGeoDB(logger)
	if opts.geoDBPath != "" {
		data, rerr := os.ReadFile(opts.geoDBPath)
		if rerr != nil {
			return fmt.Errorf("reading geo data set: %v", rerr)
		}
		if lerr := gdb.LoadData(data); lerr != nil {
			return fmt.Errorf("loading geo data set: %v", lerr)
		}
	}
	analyzer.GeoDB = gdb

	if opts.redisURL != "" {
		store, serr := redisstore.NewFromURL(opts.redisURL)
		if serr != nil {
			return fmt.Errorf("connecting counter store: %v", serr)
		}
		analyzer.Store = store
	} else {
		logger.Warn().Msg("No counter store configured, flow control and rate limits are disabled")
		analyzer.Store = noopStore{}
	}

	registry := prometheus.NewRegistry()
	analyzer.Metrics = metrics.New(registry)

	factory := hyperscan.NewMultiRegexEngineFactory()
	cfg, err := buildConfig(logger, factory, opts.configPath)
	if err != nil {
		return err
	}
	provider := waf.NewSwapProvider(cfg)

	// SIGHUP swaps in a freshly loaded snapshot; a failed load keeps the
	// old one running. In-flight requests finish on the snapshot they
	// started with.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			next, rerr := buildConfig(logger, factory, opts.configPath)
			if rerr != nil {
				logger.Error().Err(rerr).Msg("Configuration reload failed, keeping previous snapshot")
				continue
			}
			provider.Swap(next)
		}
	}()

	srv := &inspectServer{
		logger:      logger,
		analyzer:    analyzer,
		provider:    provider,
		aggregator:  logging.NewZerologAggregator(logger),
		trustedHops: opts.trustedHops,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)

	logger.Info().Str("listen", opts.listen).Msg("Starting inspection engine")
	return http.ListenAndServe(opts.listen, mux)
}

// noopStore satisfies waf.CounterStore when no redis is configured: every
// lookup reports zero, so flows and limits never trigger.
type noopStore struct{}

func (noopStore) ListLengths(ctx context.Context, keys []string) ([]int64, error) {
	return make([]int64, len(keys)), nil
}

func (noopStore) PushSequences(ctx context.Context, pushes []waf.ListPush) error { return nil }

func (noopStore) IncrCounters(ctx context.Context, incrs []waf.CounterIncr) ([]int64, error) {
	return make([]int64, len(incrs)), nil
}

// buildConfig loads one snapshot and compiles the per-profile signature
// sets into it.
func buildConfig(logger zerolog.Logger, factory waf.MultiRegexEngineFactory, path string) (*waf.Config, error) {
	cfg, err := configloading.LoadFile(logger, path)
	if err != nil {
		return nil, err
	}
	sets, err := contentfilter.Resolve(logger, factory, cfg.ContentFilterProfiles(), cfg.SignatureRules)
	if err != nil {
		return nil, fmt.Errorf("compiling signatures: %v", err)
	}
	cfg.SignatureSets = sets
	return cfg, nil
}
