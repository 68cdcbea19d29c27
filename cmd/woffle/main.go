// woffle drives the Windows Overlay Filter over a directory tree:
// analyse what would compress, attach backings to what's worth it,
// and undo the lot. The serve subcommand exposes the engine over a
// line-JSON stdio channel for embedding front-ends.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/woffle/woffle/internal/config"
	"github.com/woffle/woffle/internal/hashstore"
	"github.com/woffle/woffle/internal/job"
	"github.com/woffle/woffle/internal/msg"
	"github.com/woffle/woffle/internal/platform"
	"github.com/woffle/woffle/internal/summary"
	"github.com/woffle/woffle/internal/ui"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		algorithm       string
		minSize         int64
		threshold       float64
		excludeExts     []string
		excludeDirs     []string
		noPreserveTimes bool
		verbose         bool
		quiet           bool
		showVersion     bool
	)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "woffle: %v\n", err)
		return 1
	}

	applyFlags := func(flags *pflag.FlagSet) {
		if flags.Changed("algorithm") {
			cfg.Algorithm = algorithm
		}
		if flags.Changed("min-size") {
			cfg.MinFileSize = minSize
		}
		if flags.Changed("threshold") {
			cfg.Threshold = threshold
		}
		if flags.Changed("exclude-ext") {
			cfg.ExcludeExtensions = excludeExts
		}
		if flags.Changed("exclude-dir") {
			cfg.ExcludeDirs = excludeDirs
		}
		if noPreserveTimes {
			cfg.PreserveTimes = false
		}
	}

	setupLogging := func() {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		if quiet {
			level = slog.LevelError
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})))
	}

	rootCmd := &cobra.Command{
		Use:           "woffle",
		Short:         "transparent NTFS compression, within reason",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
			applyFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Printf("woffle %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&algorithm, "algorithm", cfg.Algorithm, "backing algorithm (xpress4k, xpress8k, xpress16k, lzx)")
	pf.Int64Var(&minSize, "min-size", cfg.MinFileSize, "size floor in bytes; smaller files are skipped")
	pf.Float64Var(&threshold, "threshold", cfg.Threshold, "estimated-ratio cutoff for compression")
	pf.StringSliceVar(&excludeExts, "exclude-ext", nil, "extension denylist (replaces config)")
	pf.StringSliceVar(&excludeDirs, "exclude-dir", nil, "directory names never entered (replaces config)")
	pf.BoolVar(&noPreserveTimes, "no-preserve-times", false, "let backing changes update timestamps")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.BoolVarP(&quiet, "quiet", "q", false, "errors only")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	for _, sub := range []struct {
		use  string
		kind job.Kind
	}{
		{"analyze <folder>", job.Analyze},
		{"compress <folder>", job.Compress},
		{"decompress <folder>", job.Decompress},
	} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.kind.String() + " a folder",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(cfg, sub.kind, args[0])
			},
		})
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "run the engine over a line-JSON stdio channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cfg, os.Stdin, os.Stdout)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "woffle: %v\n", err)
		return 1
	}
	return 0
}

// buildEngine wires the store and adapter into a job engine. The
// store degrading to memory-only is a warning, not a failure.
func buildEngine(cfg config.Config, emit func(msg.Event) error) (*job.Engine, *hashstore.Store, error) {
	if !platform.Supported() {
		return nil, nil, errors.New("this host cannot drive external backings")
	}

	storePath, err := config.StorePath()
	if err != nil {
		return nil, nil, err
	}
	store, err := hashstore.Open(storePath)
	if err != nil {
		slog.Warn("incompressible-file store unavailable", "error", err)
	}

	adapter := platform.NewAdapter(cfg.PreserveTimes, func(path string, err error) {
		slog.Warn("platform warning", "path", path, "error", err)
		_ = emit(msg.Event{
			Type:    msg.EvtStatus,
			Status:  fmt.Sprintf("%s: %v", path, err),
			Warning: true,
		})
	})

	engine, err := job.New(job.Params{
		Config:  cfg,
		Adapter: adapter,
		Store:   store,
		Emit:    emit,
		Logger:  slog.Default(),
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return engine, store, nil
}

// runOnce drives a single job to completion and prints the final
// summary. Ctrl-C asks the engine to stop; a second one is fatal via
// the default handler.
func runOnce(cfg config.Config, kind job.Kind, root string) error {
	events := make(chan msg.Event, 64)
	emit := func(ev msg.Event) error {
		events <- ev
		return nil
	}

	engine, store, err := buildEngine(cfg, emit)
	if err != nil {
		return err
	}
	defer store.Close()
	defer engine.Close()

	if err := engine.SetRoot(root); err != nil {
		return err
	}
	if err := engine.Start(kind); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var last *summary.Snapshot
	for {
		select {
		case <-sigs:
			slog.Info("stopping")
			signal.Stop(sigs)
			engine.Stop()
		case ev := <-events:
			switch ev.Type {
			case msg.EvtFolderSummary:
				last = ev.Info
			case msg.EvtStatus:
				switch {
				case ev.Error:
					slog.Error(ev.Status)
				case ev.Warning:
					slog.Warn(ev.Status)
				default:
					slog.Info(ev.Status)
				}
			case msg.EvtScanned, msg.EvtStopped:
				if last != nil {
					fmt.Print(ui.RenderSummary(*last))
				}
				if ev.Type == msg.EvtStopped {
					slog.Info("stopped before completion")
				}
				return nil
			}
		}
	}
}

// serve runs the command/event loop the embedding front-end speaks.
func serve(cfg config.Config, in io.Reader, out io.Writer) error {
	enc := msg.NewEncoder(out)
	engine, store, err := buildEngine(cfg, enc.Send)
	if err != nil {
		return err
	}
	defer store.Close()
	defer engine.Close()

	reportErr := func(err error) {
		_ = enc.Send(msg.Event{Type: msg.EvtStatus, Status: err.Error(), Error: true})
	}

	dec := msg.NewDecoder(in, slog.Default())
	for {
		cmd, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch cmd.Type {
		case msg.CmdOpenURL:
			// A shell concern; the engine only acknowledges it exists.
			slog.Info("ignoring open_url", "url", cmd.URL)
		case msg.CmdChooseFolder:
			if err := engine.SetRoot(cmd.Path); err != nil {
				reportErr(err)
			}
		case msg.CmdAnalyze:
			if err := engine.Start(job.Analyze); err != nil {
				reportErr(err)
			}
		case msg.CmdCompress:
			if err := engine.Start(job.Compress); err != nil {
				reportErr(err)
			}
		case msg.CmdDecompress:
			if err := engine.Start(job.Decompress); err != nil {
				reportErr(err)
			}
		case msg.CmdPause:
			engine.Pause()
		case msg.CmdResume:
			engine.Resume()
		case msg.CmdStop:
			engine.Stop()
		case msg.CmdQuit:
			return nil
		}
	}
}
