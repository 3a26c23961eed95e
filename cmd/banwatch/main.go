package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vigilsec/banwatch/internal/adapters/f2b"
	"github.com/vigilsec/banwatch/internal/adapters/geo"
	"github.com/vigilsec/banwatch/internal/adapters/input"
	"github.com/vigilsec/banwatch/internal/adapters/output"
	"github.com/vigilsec/banwatch/internal/app"
	"github.com/vigilsec/banwatch/internal/domain"
	"github.com/vigilsec/banwatch/internal/store"
)

var (
	cfgFile    string
	logPattern string
	storePath  string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "banwatch",
	Short: "Attack surveillance engine for fail2ban",
	Long: `banwatch ingests fail2ban logs, keeps a durable per-address history of
ban and unban events, classifies slow brute-force behavior (threats that
pace their attempts to evade rate-based banning), and reconciles the
parsed history against the live fail2ban daemon state.

Examples:
  banwatch run
  banwatch run --logs '/var/log/fail2ban.log*' --store ./data/attacks.json
  banwatch follow --logs /var/log/fail2ban.log
  banwatch status`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the surveillance engine",
	Long: `Start the background engine: incremental log polling, history
persistence, classification and live-state reconciliation. Runs until
interrupted; state survives restarts.`,
	RunE: runEngine,
}

var followCmd = &cobra.Command{
	Use:   "follow",
	Short: "Follow the live fail2ban log and print events as JSON lines",
	RunE:  runFollow,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print store statistics and current threats",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("banwatch %s\n", Version)
		fmt.Printf("Commit:  %s\n", Commit)
		fmt.Printf("Built:   %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/banwatch.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logPattern, "logs", "l", "", "fail2ban log glob, e.g. '/var/log/fail2ban.log*'")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "attacks store path")

	viper.BindPFlag("logs.pattern", rootCmd.PersistentFlags().Lookup("logs"))
	viper.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("store"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("banwatch")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/banwatch")
	}

	app.SetDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("error reading config file")
		}
	}

	viper.SetEnvPrefix("BANWATCH")
	viper.AutomaticEnv()
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch viper.GetString("logging.level") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}

func runEngine(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := app.Load()
	if err != nil {
		return err
	}

	metrics := domain.NewEngineMetrics()

	st, err := store.Open(cfg.StorePath, store.Options{
		Thresholds: cfg.Thresholds,
		Metrics:    metrics,
	})
	if err != nil {
		// a schema newer than this build is fatal: no silent downgrade
		return fmt.Errorf("cannot start engine: %w", err)
	}
	defer st.Close()

	tracker, err := input.NewPositionTracker(cfg.TrackerPath)
	if err != nil {
		return fmt.Errorf("cannot start engine: %w", err)
	}

	parser := input.NewEventParser(time.Local)

	client := f2b.NewClient(
		f2b.WithBinary(cfg.F2BBinary),
		f2b.WithSudo(cfg.F2BSudo),
		f2b.WithTimeout(cfg.F2BTimeout),
	)

	var geoSource app.GeoSource
	if cfg.GeoCityDB != "" || cfg.GeoASNDB != "" {
		resolver, err := geo.NewMaxMindResolver(cfg.GeoCityDB, cfg.GeoASNDB)
		if err != nil {
			log.Warn().Err(err).Msg("geolocation disabled")
		} else {
			defer resolver.Close()
			cache, err := geo.NewCache(geo.CacheConfig{
				DBPath:        cfg.GeoCachePath,
				NegativeTTL:   cfg.GeoNegTTL,
				LookupTimeout: cfg.GeoTimeout,
				Whitelisted:   st.IsWhitelisted,
				Metrics:       metrics,
			}, resolver)
			if err != nil {
				log.Warn().Err(err).Msg("geo cache unavailable, geolocation disabled")
			} else {
				defer cache.Close()
				geoSource = cache
			}
		}
	}

	engine := app.NewEngine(cfg, st, tracker, parser, client, client, metrics)
	facade := app.NewFacade(st, client, geoSource, engine.Params)

	if cfg.MetricsEnabled {
		prom := output.NewPrometheusMetrics("banwatch", metrics, func() (int, int, int) {
			s := facade.Stats()
			return s.ActiveBans, s.TotalAddrs, s.Threats + s.Evading
		})
		prom.Serve(output.MetricsConfig{Addr: cfg.MetricsAddr, Path: "/metrics"})
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			prom.Shutdown(ctx)
		}()
	}

	app.WatchThresholds(engine.SetThresholds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	return engine.Run(ctx)
}

func runFollow(cmd *cobra.Command, args []string) error {
	setupLogging()

	path := viper.GetString("logs.pattern")
	if logPattern != "" {
		path = logPattern
	}
	if path == "" {
		return fmt.Errorf("log file path required: use --logs")
	}

	parser := input.NewEventParser(time.Local)
	follower := input.NewLogFollower(path, parser, 256)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	events, errs := follower.Start(ctx)
	defer follower.Stop()

	enc := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if ok && err != nil {
				log.Warn().Err(err).Msg("follow error")
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := app.Load()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.StorePath, store.Options{Thresholds: cfg.Thresholds})
	if err != nil {
		return err
	}
	defer st.Close()

	stats := st.Stats()
	fmt.Printf("addresses:      %d\n", stats.TotalAddrs)
	fmt.Printf("attempts:       %d\n", stats.TotalAttempts)
	fmt.Printf("bans:           %d\n", stats.TotalBans)
	fmt.Printf("active bans:    %d\n", stats.ActiveBans)
	fmt.Printf("threats:        %d\n", stats.Threats)
	fmt.Printf("evading:        %d\n", stats.Evading)
	if stats.TopCountry != "" {
		fmt.Printf("top country:    %s\n", stats.TopCountry)
	}
	if stats.TopOrg != "" {
		fmt.Printf("top org:        %s\n", stats.TopOrg)
	}

	threats := st.Query(store.QueryFilter{
		Classifications: []domain.Classification{domain.ClassThreat, domain.ClassEvading, domain.ClassCaught},
		SortByDanger:    true,
		Limit:           10,
	})
	if len(threats) > 0 {
		fmt.Println("\ntop threats:")
		for _, rec := range threats {
			fmt.Printf("  %-40s %-8s score=%-3d attempts=%-5d bans=%d\n",
				rec.Addr, rec.Classification, rec.DangerScore, rec.Attempts.Total, rec.TotalBans)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
