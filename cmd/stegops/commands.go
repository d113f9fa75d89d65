package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stegops/internal/app"
	"stegops/internal/config"
	"stegops/internal/domain"
	"stegops/internal/engine/auth"
	"stegops/internal/intent"
	"stegops/internal/lattice"
	"stegops/internal/repo"
	"stegops/internal/server"
	"stegops/internal/store"
)

func stateCmd() *cobra.Command {
	st := &cobra.Command{Use: "state", Short: "Inspect engagement records"}
	st.AddCommand(stateShowCmd())
	st.AddCommand(stateListCmd())
	st.AddCommand(stateStatusCmd())
	return st
}

func stateShowCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the state record of an engagement",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := loadStore()
			if err != nil {
				return err
			}
			rec, err := s.Get(id)
			if err != nil {
				return fmt.Errorf("engagement %d: %w", id, err)
			}
			data, err := store.Encode(rec)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "engagement id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func stateListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List engagement records under the leads directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if state != "" && !lattice.Known(lattice.State(state)) {
				return fmt.Errorf("unknown state %q", state)
			}
			s, _, err := loadStore()
			if err != nil {
				return err
			}
			records, err := s.List()
			if err != nil {
				return err
			}
			var items []domain.EngagementSummary
			for _, rec := range records {
				if state == "" || string(rec.State) == state {
					items = append(items, rec.Summary())
				}
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "State", "Service", "Customer", "Title", "Updated"})
			for _, it := range items {
				tw.AppendRow(table.Row{it.ID, it.State, it.Service, it.Customer, it.Title, it.UpdatedUTC})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func stateStatusCmd() *cobra.Command {
	var id int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print STATUS.md for an engagement",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, _, err := loadStore()
			if err != nil {
				return err
			}
			md, err := s.ReadStatus(id)
			if err != nil {
				return fmt.Errorf("engagement %d: %w", id, err)
			}
			return printJSONOrText(map[string]any{"engagement_id": id, "markdown": md}, md)
		},
	}
	cmd.Flags().IntVar(&id, "id", 0, "engagement id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Transition journal"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var (
		n       int
		id      int
		evtType string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r, err := ws.RequireJournal()
				if err != nil {
					return err
				}
				events, err := r.LatestEvents(ctx, n, repo.EventFilter{EngagementID: id, Type: evtType})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Engagement", "Actor", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EngagementID, e.ActorID, e.PayloadJSON})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().IntVar(&id, "id", 0, "engagement id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func intentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "intents <text>",
		Short: "Show the intents and service line recognized in a piece of text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			in := intent.Parse(text)
			svc, _ := intent.ParseService(text)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"intents": in, "service": svc})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Intent", "Matched"})
			tw.AppendRow(table.Row{intent.Affirmative, in.Affirmative})
			tw.AppendRow(table.Row{intent.Accepted, in.Accepted})
			tw.AppendRow(table.Row{intent.PaymentClaimed, in.PaymentClaimed})
			tw.AppendRow(table.Row{intent.VerifyPayment, in.VerifyRequested})
			tw.AppendFooter(table.Row{"service", svc})
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create stegops.yml",
		Long:  "stegops.yml holds the intake label, label names, trust policy, pricing, workspace base url, lock timings, journal and webhooks. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stegops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(workspaceDir())
			if viper.GetBool("json") {
				if perr := printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)}); perr != nil {
					return perr
				}
				if err != nil {
					return exitError{code: 1}
				}
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stegops.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(workspaceDir())
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actor, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, ok := auth.RolePermissions[role]; !ok {
				return fmt.Errorf("unknown role %q", role)
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r, err := ws.RequireJournal()
				if err != nil {
					return err
				}
				secret := "sk_" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					Role:    role,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrText(map[string]any{"id": key.ID, "actor_id": actor, "role": role, "key": secret},
					fmt.Sprintf("id:   %s\nrole: %s\nkey:  %s\n", key.ID, role, secret))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&role, "role", "admin", "role (admin, ingest, reader, validator)")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r, err := ws.RequireJournal()
				if err != nil {
					return err
				}
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Role", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				r, err := ws.RequireJournal()
				if err != nil {
					return err
				}
				if err := r.DeleteAPIKey(ctx, id); err != nil {
					return fmt.Errorf("api key %s: %w", id, err)
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func serveCmd() *cobra.Command {
	var (
		addr, basePath string
		devLogin       bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP intake and read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), AllowDevLogin: devLogin}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("STEGOPS_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: ws.Engine, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				if d := server.NewWebhookDispatcher(repo.Repo{DB: ws.DB}, ws.Config.Webhooks, logger); d != nil {
					go d.Run(ctx)
				} else if len(ws.Config.Webhooks) > 0 {
					logger.Warn().Msg("webhooks_inactive")
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				logger.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the DEV ONLY token minting endpoint")
	return cmd
}
