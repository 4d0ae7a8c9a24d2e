package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gbrestreamer/gateway/backend/app"
	"gbrestreamer/gateway/backend/config"
	authsvc "gbrestreamer/gateway/backend/service/auth"
	"gbrestreamer/gateway/backend/service/catalog"
	ffsvc "gbrestreamer/gateway/backend/service/ffmpeg"
	"gbrestreamer/gateway/backend/service/gateway"
	"gbrestreamer/gateway/backend/service/inventory"
	"gbrestreamer/gateway/backend/store"
)

func init() {
	cobra.MousetrapHelpText = ""
}

type rootFlags struct {
	configFile string
	envFiles   []string
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "gbgateway",
		Short:         "GB28181 device gateway for local files and RTSP cameras",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(flags)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "f", "", "config file (default $GBGW_CONFIG_FILE or ./data/config.json)")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env", nil, "env files to load before the config (default .env)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Serve the admin API and run the gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(flags)
			},
		},
		&cobra.Command{
			Use:   "catalog",
			Short: "Print the catalog the gateway would publish",
			RunE: func(cmd *cobra.Command, args []string) error {
				return printCatalog(cmd, flags)
			},
		},
		&cobra.Command{
			Use:   "scan-records",
			Short: "Rebuild the recording index and print the result",
			RunE: func(cmd *cobra.Command, args []string) error {
				return scanRecords(cmd, flags)
			},
		},
		&cobra.Command{
			Use:   "hash-key <key>",
			Short: "Print the bcrypt hash to put in apiKeyHash",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				hash, err := authsvc.HashKey(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hash)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), app.Version)
			},
		},
	)
	return root
}

func loadConfig(flags *rootFlags) (*config.Manager, error) {
	if err := config.LoadEnvFiles(flags.envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	if flags.configFile != "" {
		return config.NewManagerAt(flags.configFile)
	}
	return config.NewManager()
}

func runServer(flags *rootFlags) error {
	cfgManager, err := loadConfig(flags)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	application, err := app.New(cfgManager)
	if err != nil {
		return fmt.Errorf("init app failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
	}
	return nil
}

func printCatalog(cmd *cobra.Command, flags *rootFlags) error {
	cfgManager, err := loadConfig(flags)
	if err != nil {
		return err
	}
	cfg := cfgManager.Current()
	sources, err := inventory.FromConfig(cfg).ListSources(cmd.Context())
	if err != nil {
		return err
	}
	cat, err := catalog.New(gateway.DeviceFromConfig(cfg))
	if err != nil {
		return err
	}
	snapshot, err := cat.Rebuild(sources)
	if err != nil {
		return err
	}
	return writeJSON(cmd, map[string]any{"device": cat.Device(), "channels": snapshot.Channels})
}

func scanRecords(cmd *cobra.Command, flags *rootFlags) error {
	cfgManager, err := loadConfig(flags)
	if err != nil {
		return err
	}
	cfg := cfgManager.Current()
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	indexer := app.NewRecordingIndexer(cfg, db, ffsvc.New(cfg.FFmpegPath, cfg.FFprobePath))
	result, err := indexer.Scan(cmd.Context())
	if err != nil {
		return err
	}
	return writeJSON(cmd, result)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
