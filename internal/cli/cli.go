// ============================================================================
// genbroker CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line for running and driving the broker
//
// Command Structure:
//   genbroker                       # Root command
//   ├── serve                       # Run broker + worker endpoints + control API
//   ├── enqueue -f jobs.yaml        # Submit a job batch to a running broker
//   ├── status                      # Print the status snapshot
//   ├── start / stop                # Start or stop execution
//   ├── agent -n 3                  # Run simulated generation workers
//   ├── template -o jobs.yaml       # Write an example job batch
//   ├── passthrough <op> [json]     # Call a passthrough operation (HTTP)
//   ├── --config, -c                # Config file (default: configs/default.yaml)
//   └── --env-file                  # Optional .env file
//
// Remote commands:
//   enqueue/status/start/stop talk to a running broker over gRPC by default
//   (server.grpc_addr). --transport http uses the REST API on server.http_addr.
//
//   Examples:
//     ./genbroker serve
//     ./genbroker enqueue -f jobs.yaml --start
//     ./genbroker status --transport http
//     ./genbroker agent -n 4 --failure-rate 0.2
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/genbroker/internal/client"
	"github.com/ChuLiYu/genbroker/internal/config"
	"github.com/ChuLiYu/genbroker/internal/jobfile"
	"github.com/ChuLiYu/genbroker/internal/rpc"
	"github.com/ChuLiYu/genbroker/pkg/types"
)

// Version 由 -ldflags "-X github.com/ChuLiYu/genbroker/internal/cli.Version=..." 注入
var Version = "dev"

const remoteTimeout = 10 * time.Second

var (
	configFile string
	envFile    string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "genbroker",
		Short: "genbroker: a task broker for browser-based generation workers",
		Long: `genbroker queues image and video generation jobs and hands them to
connected browser automation workers over WebSocket:
- FIFO dispatch to idle workers
- Chunked result reassembly
- Requeue on worker disconnect
- Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "optional .env file applied before environment overrides")

	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildStartCommand())
	rootCmd.AddCommand(buildStopCommand())
	rootCmd.AddCommand(buildAgentCommand())
	rootCmd.AddCommand(buildTemplateCommand())
	rootCmd.AddCommand(buildPassthroughCommand())

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		Path:     configFile,
		Required: cmd.Flags().Changed("config"),
		EnvFile:  envFile,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// ============================================================================
// 遠端連線
// ============================================================================

// remote 是 gRPC 與 HTTP 兩種客戶端的共同介面
type remote interface {
	Enqueue(ctx context.Context, spec types.JobSpec) (types.JobID, error)
	Snapshot(ctx context.Context) (types.Snapshot, error)
	Job(ctx context.Context, id types.JobID) (types.JobView, error)
	StartExecution(ctx context.Context) error
	StopExecution(ctx context.Context) error
	Close() error
}

type remoteFlags struct {
	transport string
	grpcAddr  string
	httpAddr  string
}

func addRemoteFlags(cmd *cobra.Command, f *remoteFlags) {
	cmd.Flags().StringVar(&f.transport, "transport", "grpc", "grpc or http")
	cmd.Flags().StringVar(&f.grpcAddr, "addr", "", "broker gRPC address (default: server.grpc_addr)")
	cmd.Flags().StringVar(&f.httpAddr, "http", "", "broker HTTP address (default: server.http_addr)")
}

func (f *remoteFlags) dial(cmd *cobra.Command) (remote, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	switch f.transport {
	case "grpc":
		addr := f.grpcAddr
		if addr == "" {
			addr = cfg.Server.GRPCAddr
		}
		if addr == "" {
			return nil, errors.New("no gRPC address: set --addr or server.grpc_addr")
		}
		return rpc.Dial(addr)
	case "http":
		addr := f.httpAddr
		if addr == "" {
			addr = cfg.Server.HTTPAddr
		}
		return client.New(httpBase(addr)), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want grpc or http)", f.transport)
	}
}

func httpBase(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}

// ============================================================================
// enqueue
// ============================================================================

func buildEnqueueCommand() *cobra.Command {
	var jobFile string
	var start bool
	var rf remoteFlags

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a batch file",
		Long:  "Read job definitions from a YAML or JSON batch file and submit them to a running broker.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("job file is required (use --file or -f)")
			}
			r, err := rf.dial(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			return enqueueJobs(cmd.Context(), r, jobFile, start, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "YAML or JSON batch file")
	cmd.Flags().BoolVar(&start, "start", false, "start execution after submitting")
	addRemoteFlags(cmd, &rf)
	cmd.MarkFlagRequired("file")

	return cmd
}

func enqueueJobs(ctx context.Context, r remote, path string, start bool, out, errOut io.Writer) error {
	specs, rowErrs, err := jobfile.Load(path)
	if err != nil {
		return err
	}
	for _, re := range rowErrs {
		fmt.Fprintf(errOut, "⚠️  skipped %v\n", re)
	}
	if len(specs) == 0 {
		return fmt.Errorf("no valid jobs in %s", path)
	}

	bar := progressbar.NewOptions(len(specs),
		progressbar.OptionSetDescription("⏳ submitting"),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetWriter(errOut),
		progressbar.OptionClearOnFinish(),
	)

	var ids []types.JobID
	var failed []string
	for i, spec := range specs {
		callCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
		id, err := r.Enqueue(callCtx, spec)
		cancel()
		_ = bar.Add(1)
		if err != nil {
			failed = append(failed, fmt.Sprintf("job %d (%q): %v", i+1, truncate(spec.Prompt, 30), err))
			continue
		}
		ids = append(ids, id)
	}
	_ = bar.Finish()

	for _, f := range failed {
		fmt.Fprintf(errOut, "❌ %s\n", f)
	}
	fmt.Fprintf(out, "✓ Submitted %d/%d jobs from %s\n", len(ids), len(specs), path)
	for _, id := range ids {
		fmt.Fprintf(out, "  └─ %s\n", id)
	}

	if start && len(ids) > 0 {
		callCtx, cancel := context.WithTimeout(ctx, remoteTimeout)
		defer cancel()
		if err := r.StartExecution(callCtx); err != nil {
			return fmt.Errorf("failed to start execution: %w", err)
		}
		fmt.Fprintln(out, "▶ Execution started")
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d jobs rejected", len(failed), len(specs))
	}
	return nil
}

// ============================================================================
// status / start / stop
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var asJSON bool
	var rf remoteFlags

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show broker status",
		Long:  "Display worker counts, execution state and every job, or a single job when an id is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rf.dial(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()

			if len(args) == 1 {
				view, err := r.Job(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), view)
			}

			snap, err := r.Snapshot(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printStatus(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw snapshot as JSON")
	addRemoteFlags(cmd, &rf)
	return cmd
}

func printStatus(w io.Writer, snap types.Snapshot) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           genbroker Status                                ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	running := "⏸  Stopped"
	if snap.IsRunning {
		running = "▶  Running"
	}
	fmt.Fprintln(w, "🔌 Workers:")
	fmt.Fprintf(w, "  ├─ Connected:  %d\n", snap.ClientCount)
	fmt.Fprintf(w, "  ├─ Busy:       %d\n", snap.BusyCount)
	fmt.Fprintf(w, "  └─ Execution:  %s\n", running)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Jobs:")
	fmt.Fprintf(w, "  ├─ Total:         %d\n", len(snap.Tasks))
	fmt.Fprintf(w, "  ├─ ⏳ Waiting:     %d\n", snap.Count(types.StatusWaiting))
	fmt.Fprintf(w, "  ├─ 🔄 Processing:  %d\n", snap.Count(types.StatusProcessing))
	fmt.Fprintf(w, "  ├─ ✅ Completed:   %d\n", snap.Count(types.StatusCompleted))
	fmt.Fprintf(w, "  ├─ ❌ Failed:      %d\n", snap.Count(types.StatusFailed))
	fmt.Fprintf(w, "  └─ ⌛ Timed out:   %d\n", snap.Count(types.StatusTimedOut))

	if len(snap.Tasks) > 0 {
		fmt.Fprintln(w)
		for _, t := range snap.Tasks {
			fmt.Fprintf(w, "  %-36s  %-10s  %-20s  %s\n", t.ID, t.Status, t.TaskType, truncate(t.StatusDetail, 40))
		}
	}
}

func buildStartCommand() *cobra.Command {
	var rf remoteFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start dispatching waiting jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd, &rf, remote.StartExecution, "▶ Execution started")
		},
	}
	addRemoteFlags(cmd, &rf)
	return cmd
}

func buildStopCommand() *cobra.Command {
	var rf remoteFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop dispatching new jobs",
		Long:  "Stop handing out waiting jobs. Jobs already assigned keep running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return control(cmd, &rf, remote.StopExecution, "⏸ Execution stopped")
		},
	}
	addRemoteFlags(cmd, &rf)
	return cmd
}

func control(cmd *cobra.Command, rf *remoteFlags, op func(remote, context.Context) error, done string) error {
	r, err := rf.dial(cmd)
	if err != nil {
		return err
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
	defer cancel()
	if err := op(r, ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), done)
	return nil
}

// ============================================================================
// template / passthrough
// ============================================================================

func buildTemplateCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write an example job batch file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" || output == "-" {
				return jobfile.WriteTemplate(cmd.OutOrStdout())
			}
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			if err := jobfile.WriteTemplate(f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Template written to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func buildPassthroughCommand() *cobra.Command {
	var httpAddr string
	cmd := &cobra.Command{
		Use:   "passthrough <op> [json]",
		Short: "Call a passthrough operation on a running broker",
		Long:  "Built-in operations: version, output_dir, export_template, import_jobs.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if httpAddr == "" {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				httpAddr = cfg.Server.HTTPAddr
			}

			var body json.RawMessage
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("request body is not valid JSON")
				}
				body = json.RawMessage(args[1])
			}

			c := client.New(httpBase(httpAddr))
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), remoteTimeout)
			defer cancel()
			res, err := c.Passthrough(ctx, args[0], body)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "broker HTTP address (default: server.http_addr)")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
