package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"motortrade-backend/lib/captchapool"
	"motortrade-backend/lib/configuration"
	"motortrade-backend/lib/proxyclient"
	"motortrade-backend/lib/requestcache"
	"motortrade-backend/lib/snapshotstore"
	"motortrade-backend/lib/telemetry"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var ConfigPath string

// Config is the motortrade.json5 shape. Durations are milliseconds to keep
// the file human-editable.
type Config struct {
	Proxies []proxyclient.Endpoint `json:"proxies"`

	MinRequestIntervalMs int    `json:"min_request_interval_ms"`
	ProxyRotateEvery     int64  `json:"proxy_rotate_every"`
	SessionRotateEvery   int64  `json:"session_rotate_every"`
	RequestTimeoutMs     int    `json:"request_timeout_ms"`
	PrimeURL             string `json:"prime_url"`

	CacheMaxSize    int    `json:"cache_max_size"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
	SnapshotDB      string `json:"snapshot_db"`

	SolverKey      string `json:"solver_key"`
	SolverBaseURL  string `json:"solver_base_url"`
	CaptchaSiteKey string `json:"captcha_site_key"`
	CaptchaPageURL string `json:"captcha_page_url"`
}

var (
	config    Config
	client    *proxyclient.Client
	cache     *requestcache.Cache
	solver    *captchapool.Solver
	tokenPool *captchapool.Pool
	snapshots *snapshotstore.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "motortrade-cli",
	Short: "motortrade-cli drives the marketplace fetch pipeline from the terminal.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}

func setup() {
	telemetry.InitSlog(verbose)

	// exporters are optional: without a telemetry.json5 in scope the CLI
	// runs untraced
	if tel, err := telemetry.SetupFromEnv(context.Background(), "motortrade-cli"); err == nil {
		telemetry.InstrumentPerfStats(context.Background())
		cobra.OnFinalize(func() {
			if err := tel.Shutdown(context.Background()); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		})
	} else if !os.IsNotExist(err) {
		fatal(fmt.Errorf("setup telemetry: %w", err))
	}

	var err error
	config, err = configuration.ReadRecursively[Config](ConfigPath)
	if err != nil {
		fatal(fmt.Errorf("read config %q: %w", ConfigPath, err))
	}

	client = proxyclient.New(proxyclient.Options{
		Proxies:            config.Proxies,
		MinRequestInterval: time.Duration(config.MinRequestIntervalMs) * time.Millisecond,
		ProxyRotateEvery:   config.ProxyRotateEvery,
		SessionRotateEvery: config.SessionRotateEvery,
		RequestTimeout:     time.Duration(config.RequestTimeoutMs) * time.Millisecond,
		PrimeURL:           config.PrimeURL,
	})
	cache = requestcache.New(requestcache.Options{
		MaxSize:    config.CacheMaxSize,
		DefaultTTL: time.Duration(config.CacheTTLSeconds) * time.Second,
	})
	solver = captchapool.NewSolver(captchapool.SolverConfig{
		BaseURL:   config.SolverBaseURL,
		ClientKey: config.SolverKey,
	})
	tokenPool = captchapool.NewPool(solver, captchapool.Options{
		SiteKey: config.CaptchaSiteKey,
		PageURL: config.CaptchaPageURL,
	})

	if config.SnapshotDB != "" {
		snapshots, err = snapshotstore.Open(config.SnapshotDB)
		if err != nil {
			fatal(fmt.Errorf("open snapshot db %q: %w", config.SnapshotDB, err))
		}
	}
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func Execute() {
	cobra.OnInitialize(setup)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
