package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/osvaldoandrade/pixelq/pkg/domain"
	"github.com/osvaldoandrade/pixelq/pkg/worker"

	"github.com/briandowns/spinner"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type listenerState struct {
	Listening bool   `json:"listening"`
	Addr      string `json:"addr"`
	Workers   int    `json:"workers"`
}

type jobDetail struct {
	domain.Job
	Tasks []domain.Task `json:"tasks"`
}

func withSpinner(msg string, fn func() error) error {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " " + msg
	spin.Start()
	err := fn()
	spin.Stop()
	return err
}

func listenerCmd(baseURL *string, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listener",
		Short: "Worker listener operations",
	}

	printState := func(st listenerState) {
		if !st.Listening {
			fmt.Printf("%s Not listening\n", ui.warn("[WARN]"))
			return
		}
		fmt.Printf("%s Listening on %s (%d workers)\n", ui.ok("[OK]"), st.Addr, st.Workers)
	}

	start := &cobra.Command{
		Use:     "start <port>",
		Short:   "Start accepting workers",
		Example: "pixelq listener start 5000",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL)
			var st listenerState
			err := withSpinner("Starting listener...", func() error {
				return c.do("POST", "/v1/pixelq/listener", map[string]any{"port": args[0]}, &st)
			})
			if err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the listener and disconnect every worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(*baseURL)
			var st listenerState
			err := withSpinner("Stopping listener...", func() error {
				return c.do("DELETE", "/v1/pixelq/listener", nil, &st)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Listener stopped\n", ui.ok("[OK]"))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show listener state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var st listenerState
			if err := newClient(*baseURL).do("GET", "/v1/pixelq/listener", nil, &st); err != nil {
				return err
			}
			printState(st)
			return nil
		},
	}

	cmd.AddCommand(start, stop, status)
	return cmd
}

func jobCmd(baseURL *string, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job operations",
	}

	var (
		script string
		watch  bool
		every  time.Duration
	)
	submit := &cobra.Command{
		Use:     "submit <image>...",
		Short:   "Submit a batch of images",
		Example: "pixelq job submit --script demo.py a.png b.png --watch",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(script) == "" {
				return errors.New("script is required")
			}
			// the master reads the files itself
			scriptPath, err := filepath.Abs(script)
			if err != nil {
				return err
			}
			images := make([]string, 0, len(args))
			for _, a := range args {
				p, err := filepath.Abs(a)
				if err != nil {
					return err
				}
				images = append(images, p)
			}

			c := newClient(*baseURL)
			var job domain.Job
			err = withSpinner("Submitting job...", func() error {
				return c.do("POST", "/v1/pixelq/jobs", map[string]any{"scriptPath": scriptPath, "imagePaths": images}, &job)
			})
			if err != nil {
				return err
			}
			fmt.Printf("%s Job submitted: %s (%d images)\n", ui.ok("[OK]"), job.ID, job.TotalItems)
			if !watch {
				return nil
			}
			return watchJob(cmd.Context(), c, job.ID, job.TotalItems, every, ui)
		},
	}
	submit.Flags().StringVar(&script, "script", "", "Processing script path")
	submit.Flags().BoolVar(&watch, "watch", false, "Follow progress until the job ends")
	submit.Flags().DurationVar(&every, "interval", 500*time.Millisecond, "Polling interval for --watch")

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Jobs []domain.JobProgress `json:"jobs"`
			}
			if err := newClient(*baseURL).do("GET", "/v1/pixelq/jobs", nil, &out); err != nil {
				return err
			}
			if len(out.Jobs) == 0 {
				fmt.Println(ui.dim("no jobs"))
				return nil
			}
			fmt.Printf("%-36s  %-20s  %-12s  %s\n", "JOB", "STARTED", "STATUS", "PROGRESS")
			for _, j := range out.Jobs {
				fmt.Printf("%-36s  %-20s  %-12s  %d/%d %5.1f%% (%d failed)\n",
					j.JobID, j.StartTime.Local().Format("2006-01-02 15:04:05"),
					statusColor(ui, string(j.Status)), j.Completed, j.Total, j.Percent(), j.Failed)
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a job and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var d jobDetail
			if err := newClient(*baseURL).do("GET", "/v1/pixelq/jobs/"+url.PathEscape(args[0]), nil, &d); err != nil {
				return err
			}
			fmt.Printf("%s %s  %s  started %s\n", ui.title("Job"), d.ID, statusColor(ui, string(d.Status)), d.StartTime.Local().Format(time.RFC3339))
			if d.EndTime != nil {
				fmt.Printf("    ended %s (%s)\n", d.EndTime.Local().Format(time.RFC3339), d.EndTime.Sub(d.StartTime).Round(time.Millisecond))
			}
			for _, t := range d.Tasks {
				detail := t.OutputFile
				if t.Error != "" {
					detail = ui.err(t.Error)
				}
				fmt.Printf("  %-30s  %-12s  %s\n", t.ItemName, statusColor(ui, string(t.Status)), detail)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a finished job and its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient(*baseURL).do("DELETE", "/v1/pixelq/jobs/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Printf("%s Job %s deleted\n", ui.ok("[OK]"), args[0])
			return nil
		},
	}

	cmd.AddCommand(submit, list, get, del)
	return cmd
}

func watchJob(ctx context.Context, c *client, id string, total int, every time.Duration, ui *ui) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionSetWidth(min(40, terminalWidth()/3)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
	)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		var d jobDetail
		if err := c.do("GET", "/v1/pixelq/jobs/"+url.PathEscape(id), nil, &d); err != nil {
			return err
		}
		done := 0
		for _, t := range d.Tasks {
			if t.Status.Terminal() {
				done++
			}
		}
		_ = bar.Set(done)
		if d.Status.Terminal() {
			_ = bar.Finish()
			fmt.Println()
			fmt.Printf("%s Job %s %s\n", ui.info("[INFO]"), id, statusColor(ui, string(d.Status)))
			return nil
		}
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Println(ui.warn("[WARN]"), "Stopped watching; the job keeps running")
			return nil
		case <-ticker.C:
		}
	}
}

func statusColor(ui *ui, s string) string {
	switch s {
	case "COMPLETED":
		return ui.ok(s)
	case "FAILED":
		return ui.err(s)
	case "PROCESSING":
		return ui.info(s)
	default:
		return ui.dim(s)
	}
}

func workersCmd(baseURL *string, ui *ui) *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "List connected workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Workers []domain.WorkerInfo `json:"workers"`
			}
			if err := newClient(*baseURL).do("GET", "/v1/pixelq/workers", nil, &out); err != nil {
				return err
			}
			if len(out.Workers) == 0 {
				fmt.Println(ui.dim("no workers connected"))
				return nil
			}
			fmt.Printf("%-36s  %-21s  %-10s  %s\n", "WORKER", "REMOTE", "IN FLIGHT", "LAST HEARTBEAT")
			for _, w := range out.Workers {
				fmt.Printf("%-36s  %-21s  %-10d  %s ago\n", w.ID, w.RemoteAddr, w.Outstanding, time.Since(w.LastHeartbeat).Round(time.Second))
			}
			return nil
		},
	}
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "Connected worker operations",
	}
	cmd.AddCommand(list)
	return cmd
}

func workerCmd(profileName *string, ui *ui) *cobra.Command {
	var (
		master    string
		prefix    string
		heartbeat time.Duration
		reconnect bool
		verbose   bool
	)
	start := &cobra.Command{
		Use:     "start",
		Short:   "Run a reference worker",
		Example: "pixelq worker start --master localhost:5000",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("master") {
				cfg, _, _ := loadConfig()
				if p := cfg.Profiles[resolveProfileName(*profileName, cfg)]; p.WorkerAddr != "" {
					master = p.WorkerAddr
				}
			}
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			w := worker.New(worker.Config{
				Addr:              master,
				HeartbeatInterval: heartbeat,
				Processor:         worker.PrefixProcessor{Prefix: prefix},
				Reconnect:         reconnect,
			}, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			fmt.Printf("%s Worker connecting to %s\n", ui.info("[INFO]"), master)
			err := w.Run(ctx)
			if errors.Is(err, context.Canceled) {
				fmt.Println(ui.warn("[WARN]"), "Stopping...")
				err = nil
			}
			fmt.Printf("%s %d processed, %d failed\n", ui.info("[INFO]"), w.Processed(), w.Failed())
			return err
		},
	}
	start.Flags().StringVar(&master, "master", "localhost:5000", "Master worker address (host:port)")
	start.Flags().StringVar(&prefix, "prefix", worker.DefaultResultPrefix, "Result name prefix")
	start.Flags().DurationVar(&heartbeat, "heartbeat", worker.DefaultHeartbeatInterval, "Heartbeat interval")
	start.Flags().BoolVar(&reconnect, "reconnect", true, "Reconnect after a lost connection")
	start.Flags().BoolVar(&verbose, "verbose", false, "Debug logging")

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Worker node operations",
	}
	cmd.AddCommand(start)
	return cmd
}
