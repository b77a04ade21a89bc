package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mergehawk-dev/mergehawk/internal/config"
	"github.com/mergehawk-dev/mergehawk/internal/daemon"
	"github.com/mergehawk-dev/mergehawk/internal/storage"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the mergehawk daemon",
	}
	cmd.AddCommand(daemonRunCmd())
	cmd.AddCommand(daemonStatusCmd())
	return cmd
}

func daemonRunCmd() *cobra.Command {
	var (
		dbPath     string
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadGlobalFrom(configPath)
			if err != nil {
				log.Printf("Warning: failed to load config from %s: %v", configPath, err)
				cfg = config.DefaultConfig()
			}
			if serverAddr != "" {
				cfg.ServerAddr = serverAddr
			}

			db, err := storage.Open(dbPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			server := daemon.NewServer(db, cfg, configPath)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				log.Printf("Received signal %v, shutting down...", sig)
				if err := server.Stop(); err != nil {
					log.Printf("Shutdown error: %v", err)
				}
				os.Exit(0)
			}()

			return server.Start()
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", storage.DefaultDBPath(), "path to sqlite database")
	cmd.Flags().StringVar(&configPath, "config", config.GlobalConfigPath(), "path to config file")
	return cmd
}

func daemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := daemon.ReadRuntime()
			if err != nil || !daemon.IsDaemonAlive(info.Addr) {
				fmt.Println("Daemon: not running")
				fmt.Println()
				fmt.Println("Start with: mergehawk daemon run")
				return nil
			}
			fmt.Printf("Daemon: running (pid %d on %s)\n", info.PID, info.Addr)
			return nil
		},
	}
}
