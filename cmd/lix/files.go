package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lix"
	"lix/internal/diff"
	lixerrors "lix/internal/errors"
)

func init() {
	var writeCmd = &cobra.Command{
		Use:   "write <file>...",
		Short: "Record the current contents of files",
		Long:  `Reads each file from disk, queues it for change detection and waits until the changes are recorded.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				for _, arg := range args {
					p, err := s.ws.LixPath(arg)
					if err != nil {
						return err
					}
					data, err := os.ReadFile(s.ws.OSPath(p))
					if err != nil {
						return fmt.Errorf("reading %s: %w", arg, err)
					}
					if _, err := s.engine.Enqueue(ctx, p, data, nil); err != nil {
						return err
					}
				}
				return s.settle(ctx)
			})
		},
	}

	var scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Record every tracked file in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				n, err := s.ws.Scan(cmd.Context(), s.engine)
				if err != nil {
					return err
				}
				if err := s.settle(cmd.Context()); err != nil {
					return err
				}
				fmt.Printf("Scanned %d files\n", n)
				return nil
			})
		},
	}

	var rmCmd = &cobra.Command{
		Use:   "rm <file>...",
		Short: "Record the deletion of files and remove them from disk",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				for _, arg := range args {
					p, err := s.ws.LixPath(arg)
					if err != nil {
						return err
					}
					if _, err := s.engine.EnqueueDelete(ctx, p); err != nil {
						return err
					}
					if err := os.Remove(s.ws.OSPath(p)); err != nil && !errors.Is(err, fs.ErrNotExist) {
						return fmt.Errorf("removing %s: %w", arg, err)
					}
				}
				return s.settle(ctx)
			})
		},
	}

	var catCmd = &cobra.Command{
		Use:   "cat <file>",
		Short: "Print a file as recorded in a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("version")
			return withSession(func(s *session) error {
				p, err := s.ws.LixPath(args[0])
				if err != nil {
					return err
				}
				data, _, err := fileAt(cmd.Context(), s, ref, p)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
	catCmd.Flags().StringP("version", "v", "", "version to read from (default: current)")

	var lsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List the files of a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, _ := cmd.Flags().GetString("version")
			return withSession(func(s *session) error {
				if ref == "" {
					v, err := s.engine.CurrentVersion(cmd.Context())
					if err != nil {
						return err
					}
					ref = v.ID
				}
				files, err := s.engine.VersionFiles(cmd.Context(), ref)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Printf("%s  %s\n", color.YellowString(short(f.ID)), f.Path)
				}
				return nil
			})
		},
	}
	lsCmd.Flags().StringP("version", "v", "", "version to list (default: current)")

	var logCmd = &cobra.Command{
		Use:   "log <file>",
		Short: "Show the change history of each entity in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				p, err := s.ws.LixPath(args[0])
				if err != nil {
					return err
				}
				f, err := s.engine.File(ctx, p)
				if err != nil {
					return err
				}
				v, err := s.engine.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				heads, err := s.engine.Heads(ctx, v.ID, f.ID)
				if err != nil {
					return err
				}

				bold := color.New(color.Bold).SprintFunc()
				for _, head := range heads {
					history, err := s.engine.History(ctx, head.ID)
					if err != nil {
						return err
					}
					fmt.Printf("%s  %s\n", bold(head.EntityID), color.BlueString(head.PluginKey))
					for _, c := range history {
						fmt.Printf("  %s  %s  %s\n",
							color.YellowString(short(c.ID)),
							c.CreatedAt.Local().Format("2006-01-02 15:04:05"),
							describe(c))
					}
				}
				return nil
			})
		},
	}

	var showCmd = &cobra.Command{
		Use:   "show <change-id>",
		Short: "Show a change, its value and the changes built on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				c, err := s.engine.Change(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", color.YellowString("change"), c.ID)
				fmt.Printf("entity   %s\n", c.EntityID)
				fmt.Printf("file     %s\n", c.FileID)
				fmt.Printf("plugin   %s\n", c.PluginKey)
				fmt.Printf("created  %s\n", c.CreatedAt.Local().Format("2006-01-02 15:04:05"))
				fmt.Printf("value    %s\n", describe(c))
				if c.SnapshotID != lix.NoContentID {
					content, err := s.engine.Snapshot(ctx, c.SnapshotID)
					if err != nil {
						return err
					}
					fmt.Printf("\n  %s\n", content)
				}

				later, err := s.engine.Descendants(ctx, c.ID)
				if err != nil {
					return err
				}
				if len(later) == 0 {
					return nil
				}
				fmt.Printf("\n%s\n", color.New(color.Bold).Sprint("Built on by:"))
				for _, d := range later {
					fmt.Printf("  %s  %s\n", color.YellowString(short(d.ID)), describe(d))
				}
				return nil
			})
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <file>",
		Short: "Show differences of a file between versions or against the disk",
		Long: `Compares the file as recorded in --from (default: current version) with
--to, or with the file on disk when --to is not given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			contextLines, _ := cmd.Flags().GetInt("context")

			return withSession(func(s *session) error {
				ctx := cmd.Context()
				p, err := s.ws.LixPath(args[0])
				if err != nil {
					return err
				}

				oldData, _, err := fileAt(ctx, s, from, p)
				if err != nil && !lixerrors.IsNotFound(err) {
					return err
				}

				var newData []byte
				if to == "" {
					newData, err = os.ReadFile(s.ws.OSPath(p))
					if err != nil && !errors.Is(err, fs.ErrNotExist) {
						return fmt.Errorf("reading %s: %w", args[0], err)
					}
				} else {
					newData, _, err = fileAt(ctx, s, to, p)
					if err != nil && !lixerrors.IsNotFound(err) {
						return err
					}
				}

				result, err := diff.NewEngine(contextLines).Diff(oldData, newData)
				if err != nil {
					return err
				}
				if result.Empty() {
					return nil
				}

				fmt.Printf("diff --lix a%s b%s\n", p, p)
				printColoredDiff(result.Format())
				return nil
			})
		},
	}
	diffCmd.Flags().String("from", "", "version to compare from (default: current)")
	diffCmd.Flags().String("to", "", "version to compare to (default: the file on disk)")
	diffCmd.Flags().IntP("context", "U", 3, "lines of context")

	rootCmd.AddCommand(writeCmd, scanCmd, rmCmd, catCmd, lsCmd, logCmd, showCmd, diffCmd)
}

// fileAt returns the contents of the file at path in a version. An empty
// ref reads the materialized file of the current version.
func fileAt(ctx context.Context, s *session, ref, path string) ([]byte, string, error) {
	if ref == "" {
		f, err := s.engine.File(ctx, path)
		if err != nil {
			return nil, "", err
		}
		return f.Data, f.ID, nil
	}

	files, err := s.engine.VersionFiles(ctx, ref)
	if err != nil {
		return nil, "", err
	}
	for _, f := range files {
		if f.Path != path {
			continue
		}
		m, err := s.engine.MaterializeFile(ctx, ref, f.ID)
		if err != nil {
			return nil, "", err
		}
		return m.Data, m.ID, nil
	}
	return nil, "", lixerrors.NotFoundf("file %s not in version %s", path, ref)
}

func describe(c *lix.Change) string {
	if c.SnapshotID == lix.NoContentID {
		return color.RedString("deleted")
	}
	return fmt.Sprintf("%s %s", c.Type, short(c.SnapshotID))
}
