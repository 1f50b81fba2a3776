package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	var versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Create, switch, list and merge versions",
	}

	var createVersionCmd = &cobra.Command{
		Use:   "create <name>",
		Short: "Fork a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, _ := cmd.Flags().GetString("from")
			empty, _ := cmd.Flags().GetBool("empty")
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				if from == "" && !empty {
					cur, err := s.engine.CurrentVersion(ctx)
					if err != nil {
						return err
					}
					from = cur.ID
				}
				v, err := s.engine.CreateVersion(ctx, args[0], from)
				if err != nil {
					return fmt.Errorf("creating version: %w", err)
				}
				fmt.Printf("Created version %s (%s)\n", color.GreenString(v.Name), short(v.ID))
				return nil
			})
		},
	}
	createVersionCmd.Flags().String("from", "", "version to fork (default: current)")
	createVersionCmd.Flags().Bool("empty", false, "create a version with no history")

	var switchVersionCmd = &cobra.Command{
		Use:   "switch <version>",
		Short: "Activate a version and update the workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			noCheckout, _ := cmd.Flags().GetBool("no-checkout")
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				if err := s.settle(ctx); err != nil {
					return err
				}
				previous, err := s.engine.Files(ctx)
				if err != nil {
					return err
				}
				v, err := s.engine.SwitchVersion(ctx, args[0])
				if err != nil {
					return fmt.Errorf("switching version: %w", err)
				}
				fmt.Printf("Switched to version %s\n", color.GreenString(v.Name))
				if noCheckout {
					return nil
				}
				return s.checkout(ctx, previous)
			})
		},
	}
	switchVersionCmd.Flags().Bool("no-checkout", false, "leave the files on disk untouched")

	var listVersionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				cur, err := s.engine.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				versions, err := s.engine.Versions(ctx)
				if err != nil {
					return err
				}
				for _, v := range versions {
					marker, name := " ", v.Name
					if v.ID == cur.ID {
						marker, name = "*", color.GreenString(v.Name)
					}
					converged, err := s.engine.IsConverged(ctx, v.ID)
					if err != nil {
						return err
					}
					state := ""
					if !converged {
						state = color.RedString("  (conflicts)")
					}
					fmt.Printf("%s %s  %s%s\n", marker, color.YellowString(short(v.ID)), name, state)
				}
				return nil
			})
		},
	}

	var mergeVersionCmd = &cobra.Command{
		Use:   "merge <source>",
		Short: "Merge a version into the current one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			into, _ := cmd.Flags().GetString("into")
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				if err := s.settle(ctx); err != nil {
					return err
				}
				cur, err := s.engine.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				if into == "" {
					into = cur.ID
				}
				target, err := s.engine.Version(ctx, into)
				if err != nil {
					return err
				}
				previous, err := s.engine.Files(ctx)
				if err != nil {
					return err
				}

				res, err := s.engine.MergeVersion(ctx, args[0], target.ID)
				if err != nil {
					return fmt.Errorf("merging: %w", err)
				}
				fmt.Printf("Merged %s into %s: %d added, %d fast-forwarded, %d kept\n",
					args[0], target.Name, res.Added, res.FastForwarded, res.Kept)
				for _, c := range res.Conflicts {
					fmt.Printf("  %s %s <> %s\n", color.RedString("conflict"), short(c.ChangeID), short(c.ConflictingChangeID))
				}

				if target.ID != cur.ID {
					return nil
				}
				return s.checkout(ctx, previous)
			})
		},
	}
	mergeVersionCmd.Flags().String("into", "", "target version (default: current)")

	var conflictsCmd = &cobra.Command{
		Use:   "conflicts",
		Short: "List unresolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				conflicts, err := s.engine.Conflicts(ctx)
				if err != nil {
					return err
				}
				if len(conflicts) == 0 {
					fmt.Println("No unresolved conflicts")
					return nil
				}
				for _, c := range conflicts {
					left, err := s.engine.Change(ctx, c.ChangeID)
					if err != nil {
						return err
					}
					fmt.Printf("%s %s in file %s\n", color.RedString("conflict"), left.EntityID, short(left.FileID))
					for _, id := range []string{c.ChangeID, c.ConflictingChangeID} {
						side, err := s.engine.Change(ctx, id)
						if err != nil {
							return err
						}
						value, err := s.engine.Snapshot(ctx, side.SnapshotID)
						if err != nil {
							return err
						}
						fmt.Printf("  %s  %s\n", color.YellowString(id), string(value))
					}
					if c.Reason != "" {
						fmt.Printf("  (%s)\n", c.Reason)
					}
				}
				return nil
			})
		},
	}

	var resolveCmd = &cobra.Command{
		Use:   "resolve <change> <conflicting-change>",
		Short: "Resolve a conflict with one side or a new value",
		Long: `Resolves the conflict between two changes. --with picks one of the sides;
--value records a JSON value as a merge change whose parents are both sides.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			with, _ := cmd.Flags().GetString("with")
			value, _ := cmd.Flags().GetString("value")
			if (with == "") == (value == "") {
				return fmt.Errorf("exactly one of --with and --value is required")
			}

			return withSession(func(s *session) error {
				ctx := cmd.Context()
				previous, err := s.engine.Files(ctx)
				if err != nil {
					return err
				}
				if value != "" {
					var v any
					if err := json.Unmarshal([]byte(value), &v); err != nil {
						return fmt.Errorf("parsing --value: %w", err)
					}
					merged, err := s.engine.CreateMergeChange(ctx, args[0], args[1], v)
					if err != nil {
						return err
					}
					with = merged.ID
				}
				if _, err := s.engine.ResolveConflict(ctx, args[0], args[1], with); err != nil {
					return err
				}
				fmt.Printf("Resolved with %s\n", color.GreenString(short(with)))
				return s.checkout(ctx, previous)
			})
		},
	}
	resolveCmd.Flags().String("with", "", "change id that wins")
	resolveCmd.Flags().String("value", "", "JSON value for a new merge change")

	versionCmd.AddCommand(createVersionCmd, switchVersionCmd, listVersionsCmd, mergeVersionCmd)
	rootCmd.AddCommand(versionCmd, conflictsCmd, resolveCmd)
}
