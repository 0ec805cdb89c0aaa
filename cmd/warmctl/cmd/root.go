package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arkturian/warmctl/internal/config"
	"github.com/arkturian/warmctl/internal/logging"
)

var (
	cfgFile       string
	concurrency   int
	maxAttempts   int
	backoff       time.Duration
	progressEvery int
	metricsAddr   string

	cfg    config.Config
	logger *logging.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warmctl",
	Short: "Warm derived catalog artifacts (AI embeddings, image renditions)",
	Long: `warmctl discovers catalog objects and products from the inventory APIs,
works out which derived artifacts are missing, and drives bounded-concurrency
warm requests against the embedding service or the image proxy cache.

Terminal failures are logged per item and can optionally be dead-lettered to
NSQ or recorded in a Postgres ledger for later replay.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.warmctl.yaml)")
	rootCmd.PersistentFlags().IntVar(&concurrency, "concurrency", 3, "number of parallel warm workers")
	rootCmd.PersistentFlags().IntVar(&maxAttempts, "max-attempts", 3, "attempts per work item before giving up")
	rootCmd.PersistentFlags().DurationVar(&backoff, "backoff", time.Second, "delay before retrying a transport fault")
	rootCmd.PersistentFlags().IntVar(&progressEvery, "progress-every", 10, "report progress every N outcomes")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address during the run")

	// Bind flags to viper
	viper.BindPFlag("concurrency", rootCmd.PersistentFlags().Lookup("concurrency"))
	viper.BindPFlag("max-attempts", rootCmd.PersistentFlags().Lookup("max-attempts"))
	viper.BindPFlag("backoff", rootCmd.PersistentFlags().Lookup("backoff"))
	viper.BindPFlag("progress-every", rootCmd.PersistentFlags().Lookup("progress-every"))
	viper.BindPFlag("metrics-addr", rootCmd.PersistentFlags().Lookup("metrics-addr"))
}

// initConfig loads env configuration, then the config file, then lets
// explicitly-set flags win.
func initConfig() {
	cfg = config.FromEnv()
	logger = logging.New(cfg.AppName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".warmctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Flags not explicitly set fall back to config file values, then env.
	if !rootCmd.PersistentFlags().Changed("concurrency") {
		if v := viper.GetInt("concurrency"); v > 0 {
			cfg.Warm.Concurrency = v
		}
	} else {
		cfg.Warm.Concurrency = concurrency
	}
	if !rootCmd.PersistentFlags().Changed("max-attempts") {
		if v := viper.GetInt("max-attempts"); v > 0 {
			cfg.Warm.MaxAttempts = v
		}
	} else {
		cfg.Warm.MaxAttempts = maxAttempts
	}
	if !rootCmd.PersistentFlags().Changed("backoff") {
		if v := viper.GetDuration("backoff"); v > 0 {
			cfg.Warm.Backoff = v
		}
	} else {
		cfg.Warm.Backoff = backoff
	}
	if !rootCmd.PersistentFlags().Changed("progress-every") {
		if v := viper.GetInt("progress-every"); v > 0 {
			cfg.Warm.ProgressEvery = v
		}
	} else {
		cfg.Warm.ProgressEvery = progressEvery
	}
	if rootCmd.PersistentFlags().Changed("metrics-addr") {
		cfg.Metrics.Enabled = metricsAddr != ""
		cfg.Metrics.Addr = metricsAddr
	}
}
