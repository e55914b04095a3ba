// loft is the multi-tenant file storage server and its admin CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loftdrive/loft/internal/auth"
	"github.com/loftdrive/loft/internal/config"
	"github.com/loftdrive/loft/internal/server"
	"github.com/loftdrive/loft/internal/store"
	"github.com/loftdrive/loft/pkg/bytesize"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loft",
		Short: "Loft - multi-tenant file storage backend",
		Long: `Loft stores files for multiple users under per-user quotas, with
folder trees, public share links and token-addressed CDN delivery.

QUICK START:

  # Generate a config:
  loft init > loft.yaml

  # Create a user and an upload key:
  loft user create alice --limit 50GB
  loft apikey create <user-id> --name backups --caps upload,list

  # Start the server:
  loft serve --config loft.yaml

For more help on any command, use: loft <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "loft.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newUserCmd())
	rootCmd.AddCommand(newAPIKeyCmd())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loft %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens the storage engine for the configured data dir. Used by
// serve and by the offline admin commands.
func openStore(cfg *config.Config) (*store.Store, error) {
	return store.Open(cfg.DataDir, store.Options{
		MaxFileSize:  cfg.MaxFileSizeBytes(),
		DefaultLimit: cfg.DefaultQuotaBytes(),
	})
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			keys, err := auth.OpenKeyStore(filepath.Join(cfg.DataDir, "keys.json"))
			if err != nil {
				return fmt.Errorf("open key store: %w", err)
			}

			srv := server.NewServer(cfg, st, keys, auth.NewSessions(cfg.SessionSecret))

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("version", Version).
				Str("data_dir", cfg.DataDir).
				Msg("loft starting")
			return srv.ListenAndServe(ctx)
		},
	}
}

const exampleConfig = `# Loft server configuration.
listen: ":8080"
data_dir: /var/lib/loft

# Per-file upload cap and default per-user quota. Empty means unlimited.
max_file_size: 500MB
default_quota: 50GB

# HMAC secret for session tokens. Generate with: openssl rand -hex 32
session_secret: CHANGE_ME

# External base for share and CDN links, e.g. https://files.example.com
public_base_url: ""

metrics:
  enabled: true
`

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print an example configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(exampleConfig)
		},
	}
}

func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var limitFlag string
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			u, err := st.CreateUser(args[0])
			if err != nil {
				return err
			}
			if limitFlag != "" {
				limit, err := bytesize.Parse(limitFlag)
				if err != nil {
					return fmt.Errorf("parse limit: %w", err)
				}
				if err := st.SetUserLimit(u.ID, limit); err != nil {
					return err
				}
				u.StorageLimit = limit
			}
			fmt.Printf("created user %s\n", u.Name)
			fmt.Printf("  ID:    %s\n", u.ID)
			fmt.Printf("  Limit: %s\n", formatLimit(u.StorageLimit))
			return nil
		},
	}
	createCmd.Flags().StringVar(&limitFlag, "limit", "", "storage limit, e.g. 50GB (default from config)")
	userCmd.AddCommand(createCmd)

	userCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users and their usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tUSED\tLIMIT")
			for _, u := range st.ListUsers() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					u.ID, u.Name, bytesize.Format(u.StorageUsed), formatLimit(u.StorageLimit))
			}
			return tw.Flush()
		},
	})

	userCmd.AddCommand(&cobra.Command{
		Use:   "set-limit <user-id> <limit>",
		Short: "Set a user's storage limit (0 = unlimited)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			limit, err := bytesize.Parse(args[1])
			if err != nil {
				return fmt.Errorf("parse limit: %w", err)
			}
			return st.SetUserLimit(args[0], limit)
		},
	})

	userCmd.AddCommand(&cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if _, err := st.GetUser(args[0]); err != nil {
				return err
			}
			token, err := auth.NewSessions(cfg.SessionSecret).Mint(args[0])
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	})

	return userCmd
}

func newAPIKeyCmd() *cobra.Command {
	keyCmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var nameFlag, capsFlag string
	createCmd := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Create an API key for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if _, err := st.GetUser(args[0]); err != nil {
				return err
			}
			ks, err := auth.OpenKeyStore(filepath.Join(cfg.DataDir, "keys.json"))
			if err != nil {
				return err
			}
			caps := auth.AllCapabilities()
			if capsFlag != "" {
				caps = strings.Split(capsFlag, ",")
			}
			k, secret, err := ks.Create(args[0], nameFlag, caps)
			if err != nil {
				return err
			}
			fmt.Printf("created key %s (%s)\n", k.ID, k.Name)
			fmt.Printf("  Capabilities: %s\n", strings.Join(k.Capabilities, ", "))
			fmt.Printf("  Secret:       %s\n", secret)
			fmt.Println("The secret is shown once and cannot be recovered.")
			return nil
		},
	}
	createCmd.Flags().StringVar(&nameFlag, "name", "key", "key name, also the default CDN link prefix")
	createCmd.Flags().StringVar(&capsFlag, "caps", "", "comma-separated capabilities (default: all)")
	keyCmd.AddCommand(createCmd)

	keyCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ks, err := auth.OpenKeyStore(filepath.Join(cfg.DataDir, "keys.json"))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tUSER\tCAPABILITIES")
			for _, k := range ks.List() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					k.ID, k.Name, k.UserID, strings.Join(k.Capabilities, ","))
			}
			return tw.Flush()
		},
	})

	keyCmd.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ks, err := auth.OpenKeyStore(filepath.Join(cfg.DataDir, "keys.json"))
			if err != nil {
				return err
			}
			return ks.Revoke(args[0])
		},
	})

	return keyCmd
}

func formatLimit(limit int64) string {
	if limit == 0 {
		return "unlimited"
	}
	return bytesize.Format(limit)
}
