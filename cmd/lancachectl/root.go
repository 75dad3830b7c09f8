package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/dustin/go-humanize/english"
	"github.com/nadmax/lancachectl/internal/config"
	"github.com/nadmax/lancachectl/internal/console"
	"github.com/nadmax/lancachectl/internal/lifecycle"
	"github.com/nadmax/lancachectl/internal/logging"
	"github.com/nadmax/lancachectl/internal/operation"
	"github.com/spf13/cobra"
)

var errOperationFailed = errors.New("operation did not complete")

type rootOptions struct {
	configPath string
	verbose    bool
	logOutput  io.Writer
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{logOutput: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "lancachectl",
		Short: "Start, cancel and recover long-running LANCache Manager operations",
	}
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to lancache.yaml")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log tracking activity to stderr")

	rootCmd.AddCommand(
		newStartCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newRecoverCmd(opts),
		newMigrateCmd(opts),
	)

	return rootCmd
}

func (o *rootOptions) open(ctx context.Context) (*console.Console, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	level := "warn"
	if o.verbose {
		level = cfg.Log.Level
	}
	logger := logging.New(logging.Config{Level: level, Format: cfg.Log.Format, Output: o.logOutput})

	return console.New(ctx, cfg, logger)
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	var (
		meta  []string
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "start <kind>",
		Short: "Start an operation",
		Long:  "Start an operation of the given kind (" + kindList() + ").",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := operation.ParseKind(args[0])
			if err != nil {
				return err
			}
			metadata, err := parseMetadata(meta)
			if err != nil {
				return err
			}

			c, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctrl, err := c.Controller(kind)
			if err != nil {
				return err
			}

			var (
				idMu sync.Mutex
				id   string
			)
			ctrl.OnChange(func(st lifecycle.State) {
				idMu.Lock()
				defer idMu.Unlock()
				if id == "" {
					id = st.OperationID
				}
			})

			var w *watcher
			if watch {
				w = newWatcher(ctrl)
			}
			if err := ctrl.Start(cmd.Context(), metadata); err != nil {
				return err
			}

			idMu.Lock()
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s operation %s\n", kind, id)
			idMu.Unlock()
			if w == nil {
				return nil
			}
			return w.wait(cmd.Context(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringArrayVar(&meta, "meta", nil, "Operation metadata as key=value (repeatable)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow progress until the operation finishes")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <kind>",
		Short: "Cancel the tracked operation of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := operation.ParseKind(args[0])
			if err != nil {
				return err
			}

			c, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			ctrl, err := c.Controller(kind)
			if err != nil {
				return err
			}
			if err := ctrl.Recover(cmd.Context()); err != nil {
				return err
			}
			id := ctrl.State().OperationID
			if err := ctrl.Cancel(cmd.Context()); err != nil {
				if errors.Is(err, lifecycle.ErrNotActive) {
					return fmt.Errorf("no %s operation is running", kind)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for %s operation %s\n", kind, id)
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the operations still running on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			recoverErr := c.RecoverAll(cmd.Context())
			out := cmd.OutOrStdout()
			for _, st := range c.States() {
				fmt.Fprintln(out, formatState(st))
			}
			return recoverErr
		},
	}
}

func newRecoverCmd(opts *rootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Resume tracking of operations persisted by an earlier run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			var watchers []*watcher
			if watch {
				for _, spec := range lifecycle.Kinds() {
					ctrl, _ := c.Controller(spec.Kind)
					watchers = append(watchers, newWatcher(ctrl))
				}
			}

			recoverErr := c.RecoverAll(cmd.Context())
			out := cmd.OutOrStdout()
			resumed := 0
			for i, st := range c.States() {
				if st.Phase != lifecycle.PhaseActive {
					if watchers != nil {
						watchers[i] = nil
					}
					continue
				}
				resumed++
				fmt.Fprintf(out, "Resumed %s operation %s\n", st.Kind, st.OperationID)
			}
			if resumed == 0 {
				fmt.Fprintln(out, "No operations to recover")
			}

			var errs []error
			if recoverErr != nil {
				errs = append(errs, recoverErr)
			}
			for _, w := range watchers {
				if w == nil {
					continue
				}
				if err := w.wait(cmd.Context(), out); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Follow resumed operations until they finish")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var legacy string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import operation records from a legacy local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(legacy) == "" {
				return errors.New("--legacy is required")
			}

			c, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.Migrate(cmd.Context(), legacy)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s from %s\n", pluralRecords(n), legacy)
			return nil
		},
	}

	cmd.Flags().StringVar(&legacy, "legacy", "", "Path to the legacy bbolt file")
	return cmd
}

// watcher queues every state a controller emits so terminal states are
// never missed, even when they collapse to idle immediately.
type watcher struct {
	mu     sync.Mutex
	queue  []lifecycle.State
	signal chan struct{}
}

func newWatcher(ctrl *lifecycle.Controller) *watcher {
	w := &watcher{signal: make(chan struct{}, 1)}
	ctrl.OnChange(func(st lifecycle.State) {
		w.mu.Lock()
		w.queue = append(w.queue, st)
		w.mu.Unlock()
		select {
		case w.signal <- struct{}{}:
		default:
		}
	})
	return w
}

func (w *watcher) drain() []lifecycle.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.queue
	w.queue = nil
	return out
}

// wait prints progress until the operation ends. Interrupting leaves the
// persisted record in place so tracking can be recovered later.
func (w *watcher) wait(ctx context.Context, out io.Writer) error {
	var last string
	for {
		for _, st := range w.drain() {
			switch st.Phase {
			case lifecycle.PhaseTerminal:
				fmt.Fprintln(out, st.Message)
				if st.Status != operation.StatusCompleted {
					return fmt.Errorf("%w: %s", errOperationFailed, st.Status)
				}
				return nil
			case lifecycle.PhaseIdle:
				if st.Message != "" {
					fmt.Fprintln(out, st.Message)
				}
				if st.Error != "" {
					return fmt.Errorf("%w: %s", errOperationFailed, st.Error)
				}
				return nil
			}

			line := formatState(st)
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(out, "Stopped watching; run `lancachectl recover` to resume")
			return ctx.Err()
		case <-w.signal:
		}
	}
}

func formatState(st lifecycle.State) string {
	if st.Phase == lifecycle.PhaseIdle {
		return fmt.Sprintf("%-20s idle", st.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-11s", st.Kind, st.Status)
	if st.OperationID != "" {
		fmt.Fprintf(&b, " %s", st.OperationID)
	}
	fmt.Fprintf(&b, " %5.1f%%", st.Percent)
	if st.Message != "" {
		fmt.Fprintf(&b, " %s", st.Message)
	}
	if st.DetailMessage != "" {
		fmt.Fprintf(&b, " (%s)", st.DetailMessage)
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(&b, " started %s", humanize.Time(st.StartedAt))
	}
	if st.Error != "" {
		fmt.Fprintf(&b, " [%s]", st.Error)
	}
	return b.String()
}

func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q (want key=value)", pair)
		}
		out[k] = v
	}
	return out, nil
}

func kindList() string {
	kinds := make([]string, 0, len(lifecycle.Kinds()))
	for _, spec := range lifecycle.Kinds() {
		kinds = append(kinds, spec.Kind.String())
	}
	sort.Strings(kinds)
	return strings.Join(kinds, ", ")
}

func pluralRecords(n int) string {
	return humanize.Comma(int64(n)) + " " + english.PluralWord(n, "record", "")
}
