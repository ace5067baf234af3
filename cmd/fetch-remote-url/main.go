package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	remoteurl "github.com/bjonesy/fetch-remote-url"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// this is set by goreleaser
var version string

type flags struct {
	config             string
	store              string
	db                 string
	tenant             string
	noErrorReporting   bool
	timeout            string
	cacheTime          string
	ignoreCacheControl bool
	userAgent          string
	headers            []string
	verbosityTrace     bool
	logFilename        string
}

func main() {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(ver string) *cobra.Command {
	var f flags
	var closeLog func() error

	cmd := &cobra.Command{
		Use:          "fetch-remote-url",
		Short:        "Fetch remote URLs through a fallback cache",
		Version:      ver,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			closeLog, err = setupLogging(cmd, f, ver)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if closeLog != nil {
				return closeLog()
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "Path to config file")
	pf.StringVar(&f.store, "store", "", "Cache store to use: memory, sqlite or leveldb (overrides config)")
	pf.StringVar(&f.db, "db", "", "Cache DB file or directory name, 'memory' for in-memory db (overrides config)")
	pf.StringVar(&f.tenant, "tenant", "", "Site or tenant id to tag log lines with (overrides config)")
	pf.BoolVar(&f.noErrorReporting, "no-error-reporting", false, "Do not log failed remote requests")
	pf.StringVar(&f.timeout, "timeout", "", "Remote request timeout, 1s-10s (overrides config)")
	pf.StringVar(&f.cacheTime, "cache-time", "", "Minimum cache time, at least 1m (overrides config)")
	pf.BoolVar(&f.ignoreCacheControl, "ignore-cache-control", false, "Do not extend the cache time with the response max-age")
	pf.StringVar(&f.userAgent, "user-agent", "", "User-Agent header for remote requests (overrides config)")
	pf.StringArrayVarP(&f.headers, "header", "H", nil, "Extra request header as 'Name: value', may be repeated")
	pf.BoolVar(&f.verbosityTrace, "vv", false, "Verbosity: trace logging")
	pf.StringVar(&f.logFilename, "log-file", "", "Log file to use (in addition to stderr)")

	cmd.AddCommand(newGetCmd(&f), newJSONCmd(&f))
	return cmd
}

func newGetCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "get URL...",
		Short: "Print the contents of one or more URLs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFetcher(cmd, f, func(fetcher *remoteurl.Fetcher, config Config) error {
				missing := 0
				for _, url := range args {
					content, ok := fetcher.Fetch(cmd.Context(), url, config.options())
					if !ok {
						missing++
						continue
					}
					if _, err := cmd.OutOrStdout().Write(content); err != nil {
						return err
					}
				}
				if missing > 0 {
					return fmt.Errorf("no content for %d of %d URLs", missing, len(args))
				}
				return nil
			})
		},
	}
}

func newJSONCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "json URL",
		Short: "Fetch a URL and pretty-print its JSON object or array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withFetcher(cmd, f, func(fetcher *remoteurl.Fetcher, _ Config) error {
				data, ok := fetcher.FetchJSON(cmd.Context(), args[0])
				if !ok {
					return fmt.Errorf("no JSON object or array at %s", args[0])
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(data)
			})
		},
	}
}

// withFetcher loads the configuration, opens the cache store and runs fn
// with a fetcher built from both.
func withFetcher(cmd *cobra.Command, f *flags, fn func(*remoteurl.Fetcher, Config) error) error {
	config, err := getConfig(f.config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(cmd, f, &config); err != nil {
		return err
	}

	store, closeStore, err := config.openStore()
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error().Err(err).Msg("Could not close cache store")
		}
	}()

	logger := log.Logger
	fetcher := remoteurl.New(remoteurl.Config{
		Cache:                 store,
		Group:                 config.Group,
		Tenant:                config.Tenant,
		Logger:                &logger,
		DisableErrorReporting: config.DisableErrorReporting,
		Observers: []remoteurl.Observer{remoteurl.ObserverFuncs{
			Success: func(url string, res *remoteurl.Response) {
				log.Debug().Str("url", url).Int("status", res.StatusCode).
					Int("bytes", len(res.Body)).Msg("Fetched from origin")
			},
		}},
	})
	return fn(fetcher, config)
}

// applyFlags overrides configuration values with explicitly set flags.
func applyFlags(cmd *cobra.Command, f *flags, config *Config) error {
	changed := cmd.Flags().Changed
	if changed("store") {
		config.Store = f.store
	}
	if changed("db") {
		config.DB = f.db
	}
	if changed("tenant") {
		config.Tenant = f.tenant
	}
	if changed("no-error-reporting") {
		config.DisableErrorReporting = f.noErrorReporting
	}
	if changed("timeout") {
		config.Timeout = f.timeout
	}
	if changed("cache-time") {
		config.CacheTime = f.cacheTime
	}
	if changed("ignore-cache-control") {
		config.IgnoreCacheControl = f.ignoreCacheControl
	}
	if changed("user-agent") {
		config.UserAgent = f.userAgent
	}
	for _, h := range f.headers {
		name, value, found := strings.Cut(h, ":")
		if !found {
			return fmt.Errorf("malformed header %q, expected 'Name: value'", h)
		}
		if config.Headers == nil {
			config.Headers = make(map[string]string)
		}
		config.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return config.parse()
}

// setupLogging sets up log output to stderr, and also to the log file if specified.
func setupLogging(cmd *cobra.Command, f flags, ver string) (func() error, error) {
	logLevel := zerolog.InfoLevel
	if f.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}}
	closeLog := func() error { return nil }
	if f.logFilename != "" {
		logFile, err := os.OpenFile(f.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return closeLog, fmt.Errorf("open log file: %w", err)
		}
		logOutputs = append(logOutputs, logFile)
		closeLog = logFile.Close
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", ver).Logger()
	return closeLog, nil
}
