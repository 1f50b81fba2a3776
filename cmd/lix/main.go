package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"lix"
	"lix/internal/config"
	"lix/internal/logging"
	"lix/internal/workspace"
)

const configFile = "config.json"

var (
	rootFlag     string
	configFlag   string
	logLevelFlag string
	timeoutFlag  time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "lix",
	Short: "lix tracks entity-level changes to files",
	Long: `lix records every write to a tracked file as entity-level changes in a
change graph. Versions are isolated views of that graph that can be switched,
forked and merged.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "", "workspace root (default: nearest directory containing .lix)")
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default: .lix/config.json when present)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "log level for command output")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 30*time.Second, "how long to wait for pending writes to settle")

	var initCmd = &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new lix workspace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			if len(args) == 1 {
				dir = args[0]
			}

			stateDir, err := workspace.Initialize(dir)
			if err != nil {
				return fmt.Errorf("initializing workspace: %w", err)
			}
			if err := writeDefaultConfig(filepath.Join(stateDir, configFile)); err != nil {
				return err
			}

			rootFlag = dir
			s, err := openSession(true)
			if err != nil {
				return err
			}
			defer s.Close()

			v, err := s.engine.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Initialized lix workspace in %s (version %s)\n", s.ws.Root, v.Name)
			return nil
		},
	}

	rootCmd.AddCommand(initCmd)
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	data, err := json.MarshalIndent(config.Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// session is an open engine over a workspace directory.
type session struct {
	cfg    *config.Config
	log    *logging.Logger
	engine *lix.Engine
	ws     *workspace.Workspace
}

// openSession opens the engine of the current workspace. Manual sessions
// only process the queue when settled, which suits one-shot commands.
func openSession(manual bool) (*session, error) {
	root := rootFlag
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting current directory: %w", err)
		}
		if root, err = workspace.FindRoot(cwd); err != nil {
			return nil, fmt.Errorf("%w (run lix init)", err)
		}
	}

	cfgPath := configFlag
	if cfgPath == "" {
		candidate := filepath.Join(root, workspace.DirName, configFile)
		if _, err := os.Stat(candidate); err == nil {
			cfgPath = candidate
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if !cfg.Database.InMemory && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(root, cfg.Database.Path)
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	engine, err := lix.Open(lix.Options{Config: cfg, Logger: logger.Logger, ManualProcessing: manual})
	if err != nil {
		return nil, fmt.Errorf("opening engine: %w", err)
	}

	ws, err := workspace.New(root, workspace.Options{
		Ignore: cfg.Workspace.Ignore,
		Tracked: func(p string) bool {
			_, err := engine.Plugins().ForPath(p)
			return err == nil
		},
		Logger: logger.Component("workspace"),
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	return &session{cfg: cfg, log: logger, engine: engine, ws: ws}, nil
}

func (s *session) Close() error {
	err := s.engine.Close()
	// Sync fails on terminals; only the engine error matters.
	_ = s.log.Sync()
	return err
}

// settle drains the queue, bounded by --timeout.
func (s *session) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()
	if err := s.engine.Settle(ctx); err != nil {
		return fmt.Errorf("processing writes: %w", err)
	}
	return nil
}

// checkout writes the current version's files to disk, removing the files
// of previous that it no longer has.
func (s *session) checkout(ctx context.Context, previous []lix.File) error {
	files, err := s.engine.Files(ctx)
	if err != nil {
		return err
	}
	written, removed, err := s.ws.Checkout(files, previous)
	if err != nil {
		return err
	}
	if written+removed > 0 {
		fmt.Printf("Updated %d files, removed %d\n", written, removed)
	}
	return nil
}

// withSession runs fn against a manual session and closes it.
func withSession(fn func(s *session) error) error {
	s, err := openSession(true)
	if err != nil {
		return err
	}
	return multierr.Append(fn(s), s.Close())
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	lines := strings.Split(strings.TrimSuffix(diff, "\n"), "\n")
	for _, line := range lines {
		if len(line) == 0 {
			fmt.Println()
			continue
		}

		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}
