package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ripple/internal/app"
	"ripple/internal/config"
	"ripple/internal/devserver"
	"ripple/internal/remote"
	"ripple/internal/ripple"
	"ripple/internal/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a RippleApp. The caller must defer app.Close().
func newApp(ctx context.Context) (*app.RippleApp, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var passphrase string
	if cfg.Store.Encryption.Enabled {
		passphrase, err = promptPassphrase("Store passphrase: ")
		if err != nil {
			return nil, err
		}
	}

	a, err := app.NewRippleApp(ctx, cfg, passphrase)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// promptPassphrase reads a passphrase from the terminal without echo.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(raw), nil
}

var rootCmd = &cobra.Command{
	Use:   "ripple",
	Short: "Offline-first sync layer for the ripple social client",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			userID = uuid.New().String()
		}

		cfg := config.NewConfig(userID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("User ID:  %s\n", userID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("User ID:   %s\n", cfg.UserID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Store:     %s\n", cfg.Store.Type)
		fmt.Printf("Remote:    %s\n", cfg.Remote.Type)
		fmt.Printf("Media:     %s\n", cfg.Media.Type)
		fmt.Printf("Encrypted: %v\n", cfg.Store.Encryption.Enabled)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage store encryption keys",
}

var configKeysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate an encryption key pair and enable store encryption",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		passphrase, err := promptPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if passphrase != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := store.SetupEncryption(cfg.Store.Encryption, passphrase); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}

		cfg.Store.Encryption.Enabled = true
		if err := config.Update(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("enabling encryption in config: %w", err)
		}

		fmt.Printf("Public key:  %s\n", cfg.Store.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", cfg.Store.Encryption.PrivateKeyPath)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View connectivity and pending sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		online := a.Recheck(ctx)
		state := "OFFLINE"
		if online {
			state = "ONLINE"
		}
		fmt.Printf("Connectivity: %s\n", state)

		pending := a.Queue().Pending()
		if len(pending) == 0 {
			fmt.Println("Write queue:  empty")
		} else {
			fmt.Println("Write queue:")
			for _, entity := range ripple.FlushOrder {
				if n := pending[entity]; n > 0 {
					fmt.Printf("  %-10s %d\n", entity, n)
				}
			}
		}

		if m := a.Media(); m != nil {
			fmt.Printf("Media queue:  %d pending\n", m.Pending())
		}
		return nil
	},
}

// flush command
var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay queued mutations against the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.Recheck(ctx) {
			return fmt.Errorf("offline: cannot flush")
		}

		before := total(a.Queue().Pending())
		if err := a.Flush(ctx); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		after := total(a.Queue().Pending())
		fmt.Printf("Flushed %d operation(s), %d still pending\n", before-after, after)
		return nil
	},
}

func total(pending map[ripple.EntityType]int) int {
	n := 0
	for _, count := range pending {
		n += count
	}
	return n
}

// cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the read-through cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.APICache().Prune()
		if err != nil {
			return fmt.Errorf("pruning cache: %w", err)
		}
		fmt.Printf("Removed %d expired entrie(s)\n", removed)
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the in-memory development backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		backend := remote.NewMemoryRemote()
		server := devserver.New(backend, ripple.NewNopLogger())

		httpServer := &http.Server{Addr: addr, Handler: server}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			httpServer.Close()
		}()

		fmt.Printf("Development backend listening on %s\n", addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().String("user", "", "User id (generated when omitted)")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)
	configKeysCmd.AddCommand(configKeysInitCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", ":8080", "Listen address")
}
