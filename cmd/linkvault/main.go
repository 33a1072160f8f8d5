package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Samyk000/LinkVault-sub000/internal/backend"
	"github.com/Samyk000/LinkVault-sub000/internal/cache"
	"github.com/Samyk000/LinkVault-sub000/internal/crosstab"
	"github.com/Samyk000/LinkVault-sub000/internal/localstore"
	"github.com/Samyk000/LinkVault-sub000/internal/realtime"
	"github.com/Samyk000/LinkVault-sub000/internal/session"
	"github.com/Samyk000/LinkVault-sub000/internal/store"
)

var (
	flagServer  string
	flagDataDir string
	flagMobile  bool
)

var rootCmd = &cobra.Command{
	Use:   "linkvault",
	Short: "Bookmark manager client",
	Long: `linkvault is the command-line client for a LinkVault server.

It keeps a local cache and session state under the data directory, so
multiple running instances behave like browser tabs: sign-out in one is
picked up by the others.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", envOrDefault("LINKVAULT_SERVER", "http://127.0.0.1:8080"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", envOrDefault("LINKVAULT_DATA_DIR", defaultDataDir()), "local state directory")
	rootCmd.PersistentFlags().BoolVar(&flagMobile, "mobile", false, "use mobile network timeouts")

	rootCmd.AddCommand(signupCmd, loginCmd, logoutCmd, whoamiCmd)
	rootCmd.AddCommand(addCmd, lsCmd, rmCmd, restoreCmd)
	rootCmd.AddCommand(folderCmd, watchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app wires the client stack the way a browser tab would: HTTP client,
// durable key-value state, cross-tab spool, session manager, and the
// cached data layer on top.
type app struct {
	client   *backend.Client
	kv       localstore.KV
	tabs     *crosstab.FileChannel
	sessions *session.Manager
	cache    *cache.Cache
	store    *store.Store
}

func newApp() (*app, error) {
	if err := os.MkdirAll(flagDataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	client := backend.NewClient(flagServer, nil)

	kv := localstore.NewSQLiteKV(filepath.Join(flagDataDir, "local.db"))

	tabs, err := crosstab.NewFileChannel(filepath.Join(flagDataDir, "tabs.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open tab channel: %w", err)
	}

	device := session.DeviceDesktop
	if flagMobile {
		device = session.DeviceMobile
	}
	sessions := session.New(client, client, kv, tabs, session.Options{
		Device: device,
		RedirectToLogin: func(reason string) {
			fmt.Fprintf(os.Stderr, "session ended (%s), run `linkvault login`\n", reason)
		},
	})
	sessions.Start()

	dataCache := cache.New(cache.Options{})
	dataStore := store.New(client, sessions, store.Options{
		Device: device,
		Cache:  dataCache,
	})

	return &app{
		client:   client,
		kv:       kv,
		tabs:     tabs,
		sessions: sessions,
		cache:    dataCache,
		store:    dataStore,
	}, nil
}

func (a *app) close() {
	a.sessions.Close()
	_ = a.tabs.Close()
	if closer, ok := a.kv.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

func (a *app) realtimeBridge() *realtime.Bridge {
	return realtime.New(
		backend.NewWSRealtime(a.client.BaseURL(), a.client.AccessToken),
		a.cache,
		func() string {
			if user := a.sessions.CurrentUser(); user != nil {
				return user.ID
			}
			return ""
		},
		realtime.Options{
			Logger: logWriter{},
			OnFeedDown: func(table string, err error) {
				fmt.Fprintf(os.Stderr, "live updates for %s unavailable: %v\n", table, err)
			},
		},
	)
}

type logWriter struct{}

func (logWriter) Printf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".linkvault"
	}
	return filepath.Join(home, ".linkvault")
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func formatTime(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04")
}
