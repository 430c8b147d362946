package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"bridge-exporter/internal/app"
	"bridge-exporter/internal/config"
	"bridge-exporter/internal/model"
	"bridge-exporter/internal/queue"
	"bridge-exporter/pkg/logger"
)

var (
	cfgFile string
	version = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:     "exporter",
	Short:   "Export health data records into Synapse tables",
	Version: version,
	Long: `exporter copies one day (or a time range, or an explicit list) of health data
records into per-schema Synapse tables, writes per-study status rows and
schedules redrives for whatever failed.`,
	SilenceUsage: true,
}

type requestFlags struct {
	date         string
	start        string
	end          string
	recordIDBlob string
	studies      []string
	tables       []string
	tag          string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.date, "date", "", "upload date to export (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.start, "start", "", "start of an upload time range (RFC3339, inclusive)")
	cmd.Flags().StringVar(&f.end, "end", "", "end of an upload time range (RFC3339, exclusive)")
	cmd.Flags().StringVar(&f.recordIDBlob, "record-ids-blob", "", "blob key holding newline separated record ids")
	cmd.Flags().StringSliceVar(&f.studies, "study", nil, "only export these studies")
	cmd.Flags().StringSliceVar(&f.tables, "table", nil, "only export these tables (study/schema/revision)")
	cmd.Flags().StringVar(&f.tag, "tag", "", "free-form tag carried by the request")
}

func (f *requestFlags) request() (model.ExportRequest, error) {
	req := model.ExportRequest{
		Date:                 f.date,
		RecordIDBlobOverride: f.recordIDBlob,
		StudyWhitelist:       f.studies,
		Tag:                  f.tag,
	}
	if f.start != "" || f.end != "" {
		start, err := time.Parse(time.RFC3339, f.start)
		if err != nil {
			return req, fmt.Errorf("invalid --start: %w", err)
		}
		end, err := time.Parse(time.RFC3339, f.end)
		if err != nil {
			return req, fmt.Errorf("invalid --end: %w", err)
		}
		req.StartDateTime, req.EndDateTime = &start, &end
	}
	for _, t := range f.tables {
		key, err := parseTableKey(t)
		if err != nil {
			return req, err
		}
		req.TableWhitelist = append(req.TableWhitelist, key)
	}
	return req, req.Validate()
}

func parseTableKey(s string) (model.SchemaKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return model.SchemaKey{}, fmt.Errorf("invalid --table %q, want study/schema/revision", s)
	}
	rev, err := strconv.Atoi(parts[2])
	if err != nil {
		return model.SchemaKey{}, fmt.Errorf("invalid revision in --table %q: %w", s, err)
	}
	return model.SchemaKey{StudyID: parts[0], SchemaID: parts[1], Revision: rev}, nil
}

func setup(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	l, err := logger.Setup(cfg.Log)
	if err != nil {
		return nil, err
	}
	l.Info("config loaded", "config_file", cfgFile, "version", version)
	return app.Build(ctx, cfg, l)
}

func newRunCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Export one request now and print the run",
		Example: `  # Export yesterday's uploads for one study
  $ exporter run --date 2026-10-14 --study my-study`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().UTC()
			run := model.ExportRun{ID: uuid.NewString(), Request: req, Status: model.RunStatusPending, CreatedAt: now, UpdatedAt: now}
			if err := a.Store.CreateRun(cmd.Context(), run); err != nil {
				return err
			}
			if err := a.Runner.Execute(cmd.Context(), run.ID, req); err != nil {
				return err
			}
			tracked, err := a.Store.GetRun(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tracked)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume export requests from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			consumer := queue.NewConsumer(a.Channel, a.QueueConfig(), a.Runner, a.Logger)
			err = consumer.Run(cmd.Context())
			if cmd.Context().Err() != nil {
				a.Logger.Info("worker stopped")
				return nil
			}
			return err
		},
	}
}

func newPublishCmd() *cobra.Command {
	var (
		flags requestFlags
		delay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Queue an export request for the workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Publisher.Publish(cmd.Context(), req, delay)
		},
	}
	flags.bind(cmd)
	cmd.Flags().DurationVar(&delay, "delay", 0, "hold the request in the delay queue first")
	return cmd
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to config file (default ./configs/config.yaml)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newPublishCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		log.Fatal(err)
	}
}
