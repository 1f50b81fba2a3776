package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lix/internal/api"
	"lix/internal/middleware"
)

func init() {
	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the current version, pending writes and conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(s *session) error {
				ctx := cmd.Context()
				cur, err := s.engine.CurrentVersion(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("On version %s\n", color.GreenString(cur.Name))

				pending, err := s.engine.Pending(ctx)
				if err != nil {
					return err
				}
				if len(pending) > 0 {
					fmt.Println("\nPending writes:")
					for _, e := range pending {
						kind := color.YellowString("W")
						if e.Deleted {
							kind = color.RedString("D")
						}
						line := fmt.Sprintf("\t%s %s", kind, e.Path)
						if e.LastError != "" {
							line += color.RedString("  (attempt %d: %s)", e.Attempts, e.LastError)
						}
						fmt.Println(line)
					}
				}

				conflicts, err := s.engine.Conflicts(ctx)
				if err != nil {
					return err
				}
				if len(conflicts) > 0 {
					fmt.Printf("\n%d unresolved conflicts (use \"lix conflicts\")\n", len(conflicts))
				}
				if len(pending) == 0 && len(conflicts) == 0 {
					fmt.Println("Nothing pending")
				}
				return nil
			})
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Record file changes in the workspace as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			n, err := s.ws.Scan(ctx, s.engine)
			if err != nil {
				return err
			}
			fmt.Printf("Watching %s (%d files); press Ctrl-C to stop\n", s.ws.Root, n)
			return s.ws.Watch(ctx, s.engine)
		},
	}

	var serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")

			s, err := openSession(false)
			if err != nil {
				return err
			}
			defer s.Close()

			logger := s.log
			handler := middleware.Chain(
				api.NewHandler(s.engine, s.engine.Metrics().Registry()).Routes(),
				middleware.Recover(logger),
				middleware.Logger(logger, func(ctx context.Context) (string, error) {
					v, err := s.engine.CurrentVersion(ctx)
					if err != nil {
						return "", err
					}
					return v.Name, nil
				}),
				middleware.RequestID,
			)

			addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				logger.Info("starting server", zap.String("address", addr))
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if watch {
				g.Go(func() error {
					if _, err := s.ws.Scan(ctx, s.engine); err != nil {
						return err
					}
					return s.ws.Watch(ctx, s.engine)
				})
			}

			fmt.Printf("Serving on http://%s\n", addr)
			return g.Wait()
		},
	}
	serveCmd.Flags().Bool("watch", false, "also watch the workspace for file changes")

	rootCmd.AddCommand(statusCmd, watchCmd, serveCmd)
}
