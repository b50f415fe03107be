package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/codepair/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "codepair-server",
	Short: "Room relay for collaborative coding with video chat",
	Long: `codepair-server keeps one shared document per room and relays edits, chat and
WebRTC signaling between the browsers in that room over a websocket.

Settings come from CODEPAIR_* environment variables. Flags override them.

Examples:
  codepair-server
  codepair-server --addr :8080 --store sqlite --db ./data/codepair.db
  codepair-server --redis localhost:6379 --mdns`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Parse()
		if err != nil {
			return err
		}
		applyFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var (
	flagAddr      string
	flagStore     string
	flagDBPath    string
	flagRedisAddr string
	flagOrigins   []string
	flagMDNS      bool
	flagOTel      string
)

func init() {
	bindFlags(rootCmd)
}

func bindFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&flagAddr, "addr", "", "HTTP listen address (CODEPAIR_HTTP_ADDR)")
	flags.StringVar(&flagStore, "store", "", "document store: memory or sqlite (CODEPAIR_STORE)")
	flags.StringVar(&flagDBPath, "db", "", "SQLite database path (CODEPAIR_DB_PATH)")
	flags.StringVar(&flagRedisAddr, "redis", "", "Redis address for multi-instance relay (CODEPAIR_REDIS_ADDR)")
	flags.StringSliceVar(&flagOrigins, "allowed-origins", nil, "allowed browser origins (CODEPAIR_ALLOWED_ORIGINS)")
	flags.BoolVar(&flagMDNS, "mdns", false, "advertise the server over mDNS (CODEPAIR_MDNS)")
	flags.StringVar(&flagOTel, "otel-endpoint", "", "OTLP/HTTP trace endpoint (CODEPAIR_OTEL_ENDPOINT)")
}

// applyFlags copies explicitly set flags over the environment values
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTPAddr = flagAddr
	}
	if flags.Changed("store") {
		cfg.Store = flagStore
	}
	if flags.Changed("db") {
		cfg.DBPath = flagDBPath
	}
	if flags.Changed("redis") {
		cfg.RedisAddr = flagRedisAddr
	}
	if flags.Changed("allowed-origins") {
		cfg.AllowedOrigins = flagOrigins
	}
	if flags.Changed("mdns") {
		cfg.MDNS = flagMDNS
	}
	if flags.Changed("otel-endpoint") {
		cfg.OTelEndpoint = flagOTel
	}
}

func main() {
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
