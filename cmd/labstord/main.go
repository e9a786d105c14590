// labstord runs a storage engine behind the RPC server, and carries the
// maintenance subcommands that operate on a base directory directly.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/labstor/labstor"
	"github.com/labstor/labstor/apiServer"
)

type fileConfig struct {
	Path            string `yaml:"path"`
	Listen          string `yaml:"listen"`
	MinimumFreeGB   uint   `yaml:"minimum_free_gb"`
	ArrayBufferSize int    `yaml:"array_buffer_size"`
	LogLevel        string `yaml:"log_level"`
}

var (
	flagConfig string
	flagPath   string
	flagListen string
	flagLevel  string
)

func main() {
	// Env from .env if present; flags and the config file still win.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "labstord",
		Short:         "content-addressed storage engine for experiment artifacts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&flagPath, "path", "", "base directory (overrides config file)")
	root.PersistentFlags().StringVar(&flagLevel, "log-level", "", "log level: debug, info, warn, error")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "open the engine and serve the RPC API",
		RunE:  runServe,
	}
	serve.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address (overrides config file)")

	gc := &cobra.Command{
		Use:   "gc",
		Short: "run one garbage collection pass and exit",
		RunE:  runGC,
	}
	info := &cobra.Command{
		Use:   "info",
		Short: "print row and chunk counts",
		RunE:  runInfo,
	}

	root.AddCommand(serve, gc, info)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (fileConfig, *logrus.Logger, error) {
	conf := fileConfig{
		Path:   os.Getenv("LABSTOR_PATH"),
		Listen: os.Getenv("LABSTOR_LISTEN"),
	}
	if flagConfig != "" {
		data, err := os.ReadFile(flagConfig)
		if err != nil {
			return conf, nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &conf); err != nil {
			return conf, nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if flagPath != "" {
		conf.Path = flagPath
	}
	if flagListen != "" {
		conf.Listen = flagListen
	}
	if flagLevel != "" {
		conf.LogLevel = flagLevel
	}
	if conf.Path == "" {
		return conf, nil, fmt.Errorf("no base path given (--path, config file, or LABSTOR_PATH)")
	}
	if conf.Listen == "" {
		conf.Listen = "127.0.0.1:7465"
	}

	log := logrus.New()
	if conf.LogLevel != "" {
		level, err := logrus.ParseLevel(conf.LogLevel)
		if err != nil {
			return conf, nil, fmt.Errorf("parse log level: %w", err)
		}
		log.SetLevel(level)
	}
	return conf, log, nil
}

func openEngine(conf fileConfig, log *logrus.Logger) (*labstor.Engine, error) {
	return labstor.Open(labstor.Config{
		Path:            conf.Path,
		MinimumFreeGB:   conf.MinimumFreeGB,
		ArrayBufferSize: conf.ArrayBufferSize,
		Logger:          log,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	conf, log, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := openEngine(conf, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	server := apiServer.New(engine, apiServer.WithLogger(log))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(conf.Listen); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func runGC(cmd *cobra.Command, args []string) error {
	conf, log, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := openEngine(conf, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	stats, err := engine.CollectGarbage(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("reclaimed %d chunks (%d bytes), %d configs, %d scripts\n",
		stats.Chunks, stats.BytesReclaimed, stats.Configs, stats.Scripts)
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	conf, log, err := loadConfig()
	if err != nil {
		return err
	}
	engine, err := openEngine(conf, log)
	if err != nil {
		return err
	}
	defer engine.Close()

	counts, err := engine.Counts(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("documents: %d\n", counts.Documents)
	fmt.Printf("datasets:  %d\n", counts.Datasets)
	fmt.Printf("arrays:    %d\n", counts.Arrays)
	fmt.Printf("configs:   %d\n", counts.Configs)
	fmt.Printf("scripts:   %d\n", counts.Scripts)
	fmt.Printf("chunks:    %d (%d bytes)\n", counts.Chunks, counts.ChunkBytes)
	return nil
}
