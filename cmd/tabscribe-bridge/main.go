package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabscribe/bridge/internal/config"
	"github.com/tabscribe/bridge/internal/detect"
	"github.com/tabscribe/bridge/internal/diag"
	"github.com/tabscribe/bridge/internal/host/exthost"
	"github.com/tabscribe/bridge/internal/ipc"
	"github.com/tabscribe/bridge/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "tabscribe-bridge",
	Short: "TabScribe browser bridge",
	Long:  `TabScribe Bridge - relays meeting audio from the browser extension to the TabScribe desktop app`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bridge",
	Run: func(cmd *cobra.Command, args []string) {
		runBridge()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("TabScribe Bridge v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running bridge's status",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the bridge's environment",
	Run: func(cmd *cobra.Command, args []string) {
		runDoctor()
	},
}

var platformsCmd = &cobra.Command{
	Use:   "platforms",
	Short: "Inspect the meeting platform table",
}

var platformsFile string

var platformsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the platforms the bridge detects",
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := loadPlatformTable()
		if err != nil {
			return err
		}
		for _, p := range table.Platforms() {
			fmt.Printf("%-18s %d probes  %s\n", p.Name, len(p.Probes), p.URLPattern)
		}
		return nil
	},
}

var platformsCheckCmd = &cobra.Command{
	Use:   "check <url>",
	Short: "Check which platform a URL matches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		table, err := loadPlatformTable()
		if err != nil {
			return err
		}
		plat, ok := table.Match(args[0])
		if !ok {
			fmt.Println("No platform matches.")
			os.Exit(1)
		}
		fmt.Printf("Matches %s\n", plat.Name)
		for _, sel := range plat.Probes {
			fmt.Printf("  probe: %s\n", sel)
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the bridge config file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists, pass --force to overwrite", path)
		}
		if err := config.SaveTo(config.Default(), path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings the bridge runs with",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		result := cfg.ValidateTiered()
		for _, verr := range result.Fatals {
			fmt.Fprintf(os.Stderr, "invalid: %v\n", verr)
		}

		fmt.Printf("desktop_url:                %s\n", cfg.DesktopURL)
		fmt.Printf("handshake_source:           %s\n", cfg.HandshakeSource)
		fmt.Printf("reconnect_interval_ms:      %d\n", cfg.ReconnectIntervalMs)
		fmt.Printf("watchdog_interval_seconds:  %d\n", cfg.WatchdogIntervalSeconds)
		fmt.Printf("detect_interval_ms:         %d\n", cfg.DetectIntervalMs)
		fmt.Printf("platforms_file:             %s\n", orBuiltin(cfg.PlatformsFile))
		fmt.Printf("sample_rate:                %d\n", cfg.SampleRate)
		fmt.Printf("buffer_size:                %d\n", cfg.BufferSize)
		fmt.Printf("broker_socket:              %s\n", orDefault(cfg.BrokerSocket, ipc.DefaultSocketPath()))
		fmt.Printf("log_level:                  %s\n", cfg.LogLevel)
		fmt.Printf("log_format:                 %s\n", cfg.LogFormat)
		fmt.Printf("log_file:                   %s\n", orDefault(cfg.LogFile, "(stdout)"))
		fmt.Printf("log_max_size_mb:            %d\n", cfg.LogMaxSizeMB)
		fmt.Printf("log_max_backups:            %d\n", cfg.LogMaxBackups)

		if result.HasFatals() {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is bridge.yaml in the TabScribe config dir)")

	platformsCmd.PersistentFlags().StringVar(&platformsFile, "file", "", "platform table file to inspect instead of the configured one")
	platformsCmd.AddCommand(platformsListCmd)
	platformsCmd.AddCommand(platformsCheckCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(platformsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadPlatformTable resolves the table for the platforms subcommands: the
// --file flag wins, then the configured file, then the builtins.
func loadPlatformTable() (*detect.Table, error) {
	path := platformsFile
	if path == "" {
		if cfg, err := config.Load(cfgFile); err == nil {
			path = cfg.PlatformsFile
		}
	}
	return detect.LoadTable(path)
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	socket := cfg.BrokerSocket
	if socket == "" {
		socket = ipc.DefaultSocketPath()
	}

	client, err := exthost.Dial(socket, ipc.RolePopup, nil, nil)
	if err != nil {
		fmt.Println("Status: not running")
		fmt.Printf("Socket: %s\n", socket)
		return
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	env, err := client.Request(ctx, ipc.TypeGetStatus, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bridge did not answer: %v\n", err)
		os.Exit(1)
	}
	var snap ipc.StatusSnapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		fmt.Fprintf(os.Stderr, "Unreadable status reply: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Status: running")
	if snap.Connected {
		fmt.Printf("Desktop: connected (%s)\n", cfg.DesktopURL)
	} else {
		fmt.Printf("Desktop: reconnecting (%s)\n", cfg.DesktopURL)
	}
	if snap.Capturing {
		fmt.Printf("Capture: active, session %s since %s\n",
			snap.SessionID, snap.StartedAt.Local().Format(time.Kitchen))
	} else {
		fmt.Println("Capture: idle")
	}
	if snap.CurrentTab != nil {
		fmt.Printf("Meeting: %s on %s (tab %d)\n", snap.MeetingName, snap.Platform, snap.CurrentTab.ID)
	} else {
		fmt.Println("Meeting: none detected")
	}
	for name, status := range snap.Health {
		fmt.Printf("Health: %s %s\n", name, status)
	}
}

func runDoctor() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config unreadable, checking defaults: %v\n", err)
		cfg = config.Default()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report := diag.New(cfg).Run(ctx)

	for _, res := range report.Results {
		fmt.Printf("  %-4s  %-17s %s\n", res.Status, res.Name, res.Detail)
	}
	fmt.Println()
	if report.Failed() {
		fmt.Println("Problems found. Fix the failed checks above and rerun.")
		os.Exit(1)
	}
	fmt.Printf("All checks passed in %d ms.\n", report.DurationMs)
}

func orBuiltin(path string) string {
	if path == "" {
		return "(builtin table)"
	}
	return path
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
