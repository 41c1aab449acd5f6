package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/postgraph/api"
	"github.com/dshills/postgraph/graph"
)

// withApp loads config, wires the engine and runs fn.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func newCreateCommand(flags *rootFlags) *cobra.Command {
	var owner string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "create URL",
		Short: "Create an execution and run it to the review step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				x, err := a.engine.Create(ctx, owner, args[0])
				if err != nil {
					return err
				}
				return printExecution(cmd, x, asJSON)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner ID (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full execution as JSON")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newGetCommand(flags *rootFlags) *cobra.Command {
	var asJSON, history bool
	cmd := &cobra.Command{
		Use:   "get EXECUTION_ID",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if history {
					hist, err := a.engine.History(ctx, args[0])
					if err != nil {
						return err
					}
					for _, x := range hist {
						printCheckpoint(cmd, x)
					}
					return nil
				}
				x, err := a.engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printExecution(cmd, x, asJSON)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full execution as JSON")
	cmd.Flags().BoolVar(&history, "history", false, "list every checkpoint")
	return cmd
}

func newInboxCommand(flags *rootFlags) *cobra.Command {
	var owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List executions waiting for review or reconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				var items []graph.Summary
				var err error
				if owner == "" {
					items, err = a.engine.List(ctx, "", graph.InboxStatuses, limit)
				} else {
					items, err = a.engine.Inbox(ctx, owner, limit)
				}
				if err != nil {
					return err
				}
				printInbox(cmd, items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner ID; all owners when empty")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items")
	return cmd
}

func newResumeCommand(flags *rootFlags) *cobra.Command {
	var (
		bundle      graph.ActionBundle
		bundleFile  string
		edits       []string
		connections []string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "resume EXECUTION_ID",
		Short: "Submit a review decision",
		Long: `Submit a review decision for an execution awaiting review or reconnect.

  postgraph resume x1 --approve-content --reject-image
  postgraph resume x1 --regenerate-twitter
  postgraph resume x1 --edit twitter="Shorter take" --connection linkedin=li-2
  postgraph resume x1 --bundle decision.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bundleFile != "" {
				data, err := os.ReadFile(bundleFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &bundle); err != nil {
					return fmt.Errorf("invalid bundle file: %w", err)
				}
			}
			var err error
			if bundle.Edits, err = mergePlatformPairs(bundle.Edits, edits); err != nil {
				return fmt.Errorf("--edit: %w", err)
			}
			if bundle.Connections, err = mergePlatformPairs(bundle.Connections, connections); err != nil {
				return fmt.Errorf("--connection: %w", err)
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				x, err := a.engine.Resume(ctx, args[0], bundle)
				if err != nil {
					return err
				}
				return printExecution(cmd, x, asJSON)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&bundle.ApproveContent, "approve-content", false, "approve the drafts")
	f.BoolVar(&bundle.RejectContent, "reject-content", false, "reject and terminate")
	f.BoolVar(&bundle.ApproveImage, "approve-image", false, "approve the selected image")
	f.BoolVar(&bundle.RejectImage, "reject-image", false, "publish without the image")
	f.BoolVar(&bundle.RegenerateTwitter, "regenerate-twitter", false, "redraft the Twitter post")
	f.BoolVar(&bundle.RegenerateLinkedIn, "regenerate-linkedin", false, "redraft the LinkedIn post")
	f.StringArrayVar(&edits, "edit", nil, "platform=text draft override (repeatable)")
	f.StringArrayVar(&connections, "connection", nil, "platform=connection_id selection (repeatable)")
	f.StringVar(&bundleFile, "bundle", "", "JSON action bundle file; flags are applied on top")
	f.BoolVar(&asJSON, "json", false, "print the full execution as JSON")
	return cmd
}

// mergePlatformPairs adds platform=value pairs to m.
func mergePlatformPairs(m map[graph.Platform]string, pairs []string) (map[graph.Platform]string, error) {
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		p := graph.Platform(strings.ToLower(strings.TrimSpace(k)))
		if !ok || !p.Valid() {
			return nil, fmt.Errorf("expected platform=value, got %q", pair)
		}
		if m == nil {
			m = make(map[graph.Platform]string)
		}
		m[p] = v
	}
	return m, nil
}

func newSweepCommand(flags *rootFlags) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Terminate executions left running by a dead process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if olderThan <= 0 {
					olderThan = a.cfg.Engine.StaleAfter
				}
				n, err := a.engine.RecoverStale(ctx, olderThan)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d stale execution(s) terminated\n", okColor.Sprint("✓"), n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "staleness threshold (default engine.stale_after)")
	return cmd
}

func newTokenCommand(flags *rootFlags) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token OWNER_ID",
		Short: "Issue an API bearer token for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not set")
			}
			tok, err := api.IssueToken([]byte(cfg.Server.JWTSecret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "token lifetime")
	return cmd
}
