package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fablecraft/collab-relay/internal/logging"
	"github.com/fablecraft/collab-relay/internal/server"
)

// extraShutdownSignals is extended on platforms with job control.
var extraShutdownSignals []os.Signal

// shutdownMessage describes the signal that stopped the server.
var shutdownMessage = func(sig os.Signal) string {
	return "Received interrupt signal, shutting down..."
}

func main() {
	var rootCmd = &cobra.Command{
		Use:           "fablecraft",
		Short:         "FableCraft collaboration relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `A WebSocket relay for real-time collaboration on FableCraft projects.

The relay provides:
  - Presence, typing indicators and advisory document locks per project
  - Optimistic character and world element edits confirmed by storage
  - Staged progress reports for character generation
  - In-memory or SQLite storage with optional file persistence`,
	}

	rootCmd.AddCommand(createStartCmd())
	rootCmd.AddCommand(createStatusCmd())
	rootCmd.AddCommand(createConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createStartCmd() *cobra.Command {
	var port int
	var host string
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the collaboration relay",
		Long: `Start the WebSocket relay. The server runs until interrupted (Ctrl+C).

Clients connect to ws://localhost:3001/ws?userId=... (or your configured host:port).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				config.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				config.Server.Host = host
			}

			logger := logging.New(os.Stderr, config.Logging.Level, config.Logging.Format)
			srv, err := server.NewServer(config, logger)
			if err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, append([]os.Signal{os.Interrupt, syscall.SIGTERM}, extraShutdownSignals...)...)

			errChan := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errChan <- err
				}
			}()
			color.Cyan("FableCraft relay listening on ws://%s/ws", config.Addr())

			select {
			case sig := <-sigChan:
				color.Yellow("\n%s", shutdownMessage(sig))
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout())
				defer shutdownCancel()

				if err := srv.Stop(shutdownCtx); err != nil {
					color.Red("Error shutting down server: %v", err)
					return err
				}
				color.Green("Relay stopped gracefully")
				return nil
			case err := <-errChan:
				color.Red("Server error: %v", err)
				_ = srv.Stop(context.Background())
				return err
			}
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3001, "Port to run the relay on")
	cmd.Flags().StringVar(&host, "host", "localhost", "Host to bind the relay to")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML); default ~/.fablecraft/config.json")

	return cmd
}

func createStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check relay status",
		Long:  "Check if a relay is running and display its health statistics",
		Run: func(cmd *cobra.Command, args []string) {
			ports := []int{3001, 8080}
			if cmd.Flags().Changed("port") {
				ports = []int{port}
			}
			client := &http.Client{Timeout: 2 * time.Second}
			for _, p := range ports {
				health, ok := probeHealth(client, p)
				if !ok {
					continue
				}
				color.Green("Relay is running on port %d", p)
				fmt.Printf("  storage:      %s\n", health.Storage)
				fmt.Printf("  uptime:       %ds\n", health.UptimeSeconds)
				fmt.Printf("  connections:  %d active, %d total\n", health.WebSocket.ConnectionsActive, health.WebSocket.ConnectionsTotal)
				fmt.Printf("  messages:     %d received, %d rejected, %d rate limited\n",
					health.Messages.Received, health.Messages.Rejected, health.Messages.RateLimited)
				fmt.Printf("  projects:     %d\n", health.Projects)
				return
			}
			color.Red("No relay found")
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 3001, "Port to probe")
	return cmd
}

func probeHealth(client *http.Client, port int) (*server.HealthResponse, bool) {
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var health server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, false
	}
	return &health, true
}

func createConfigCmd() *cobra.Command {
	var configPath string
	var format string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Load the configuration the start command would use, after file and environment overrides, and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := server.LoadConfig(configPath)
			if err != nil {
				return err
			}
			switch format {
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(config)
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(config)
			default:
				return fmt.Errorf("unknown format %q (use json or yaml)", format)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file (JSON or YAML)")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or yaml")
	return cmd
}
