package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"stegops/internal/app"
	"stegops/internal/domain"
	"stegops/internal/event"
	"stegops/internal/validate"
)

const applyConcurrency = 4

func applyCmd() *cobra.Command {
	var files []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply tracker event payloads to engagement state",
		Long: `Reads one or more issue/issue_comment payloads (default: $GITHUB_EVENT_PATH),
runs each through the state engine and prints what changed. Events for different
engagements run concurrently; events for the same engagement serialize on its lock.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				if p := strings.TrimSpace(viper.GetString("event-path")); p != "" {
					files = []string{p}
				}
			}
			if len(files) == 0 {
				logger.Info().Msg("no_event_path")
				return nil
			}
			env := event.Env{EventName: viper.GetString("event-name"), RunID: viper.GetString("run-id")}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				outcomes, err := applyFiles(ctx, ws, files, env)
				if err != nil {
					return err
				}
				return printOutcomes(outcomes)
			})
		},
	}
	cmd.Flags().StringArrayVar(&files, "event", nil, "event payload file (repeatable)")
	return cmd
}

func applyFiles(ctx context.Context, ws *app.Workspace, files []string, env event.Env) ([]domain.Outcome, error) {
	var (
		mu       sync.Mutex
		outcomes []domain.Outcome
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(applyConcurrency)
	for _, path := range files {
		path := path
		g.Go(func() error {
			evt, ok, err := event.ReadFile(path, env)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if !ok {
				evt = domain.IssueEvent{Kind: env.EventName, RunID: env.RunID}
			}
			out, err := ws.Engine.Process(gctx, evt)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].EngagementID < outcomes[j].EngagementID })
	return outcomes, err
}

func printOutcomes(outcomes []domain.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(outcomes)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Engagement", "From", "To", "Written", "Skipped", "Reasons"})
	for _, o := range outcomes {
		tw.AppendRow(table.Row{o.EngagementID, o.From, o.To, o.Written, o.Skipped, strings.Join(o.Reasons, ", ")})
	}
	tw.Render()
	return nil
}

func validateCmd() *cobra.Command {
	var (
		eventPath string
		id        int
		noGit     bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the outputs of a state engine run",
		Long: `Checks the engagement subtree written by 'stegops apply': blast radius (git status),
record shape, workspace link, two-factor label, STATUS.md and regression against
state.prev.json. Exits 1 on any violation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 {
				if eventPath == "" {
					eventPath = strings.TrimSpace(viper.GetString("event-path"))
				}
				if eventPath == "" {
					logger.Info().Msg("no_event_path")
					fmt.Println("STATE OUTPUT VALIDATION: OK (no event)")
					return nil
				}
				evt, ok, err := event.ReadFile(eventPath, event.Env{})
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("STATE OUTPUT VALIDATION: OK (no engagement id)")
					return nil
				}
				id = evt.ID
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts := validate.OptionsFromConfig(workspaceDir(), cfg, id)
			if noGit {
				opts.Changes = nil
			}
			res, err := validate.Run(cmd.Context(), opts)
			var verr *validate.Error
			if errors.As(err, &verr) {
				if viper.GetBool("json") {
					_ = printJSON(map[string]any{"ok": false, "engagement_id": id, "violations": verr.Violations})
				} else {
					fmt.Println("STATE OUTPUT VALIDATION: FAILED")
					for _, v := range verr.Violations {
						fmt.Println("-", v)
					}
				}
				logger.Error().Int("engagement_id", id).Int("violations", len(verr.Violations)).Msg("validation_failed")
				return exitError{code: 1}
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": true, "result": res})
			}
			fmt.Printf("STATE OUTPUT VALIDATION: OK (%s)\n", res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&eventPath, "event", "", "event payload file (default $GITHUB_EVENT_PATH)")
	cmd.Flags().IntVar(&id, "id", 0, "engagement id (overrides --event)")
	cmd.Flags().BoolVar(&noGit, "no-git", false, "skip the git blast-radius check")
	return cmd
}
