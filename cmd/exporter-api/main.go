package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bridge-exporter/internal/api"
	"bridge-exporter/internal/api/handler"
	"bridge-exporter/internal/app"
	"bridge-exporter/internal/config"
	"bridge-exporter/pkg/logger"
	"bridge-exporter/pkg/router"
)

//	@title			Bridge Exporter API
//	@version		1.0
//	@description	Start and inspect health data export runs.
//	@BasePath		/api/v1

var (
	cfgFile    string
	runTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "exporter-api",
	Short:        "HTTP API for export runs",
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file")
	rootCmd.Flags().DurationVar(&runTimeout, "run-timeout", 6*time.Hour, "upper bound on one background run")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	l, err := logger.Setup(cfg.Log)
	if err != nil {
		return err
	}

	a, err := app.Build(cmd.Context(), cfg, l)
	if err != nil {
		return err
	}
	defer a.Close()

	r := router.New(l)
	api.RegisterRoutes(r, handler.NewRunHandler(a.Store, a.Runner, runTimeout, l))
	return r.Start(cmd.Context(), cfg.Server.Addr(), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}
