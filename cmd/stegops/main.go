package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stegops/internal/app"
	"stegops/internal/config"
	"stegops/internal/logging"
	"stegops/internal/store"
)

var logger = zerolog.Nop()

var rootCmd = &cobra.Command{
	Use:   "stegops",
	Short: "StegOps engagement state engine",
	Long: `StegOps folds issue tracker events into a durable, monotonic engagement record.
- Engagement: one customer lifecycle, keyed by the issue number, stored under leads/issue-<id>/.
- Lattice: new -> replied -> qualified -> sow_generated -> accepted -> invoice_generated ->
  payment_claimed -> verify_payment -> payment_verified -> deliverables_ready -> deliverables_pushed,
  with closed_no_response and closed on top. A record never moves down.
- Intake label: only issues carrying it are processed; everything else is a silent no-op.
- Two-factor verify: payment is verified only with the verify-payment label, a trusted commenter
  and a "verify payment" comment together.
- Validation: 'stegops validate' checks a run's outputs and exits 1 on any violation.
- Journal: every written transition is appended to .stegops/stegops.db; view with 'stegops log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := logging.New(os.Stderr, viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
}

// exitError carries a process exit code for failures already reported.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STEGOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("event-path", "GITHUB_EVENT_PATH")
	_ = viper.BindEnv("event-name", "GITHUB_EVENT_NAME")
	_ = viper.BindEnv("run-id", "GITHUB_RUN_ID")
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace (repository) directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
	for _, name := range []string{"workspace", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(applyCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(intentsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- helpers ---

func workspaceDir() string {
	ws := viper.GetString("workspace")
	if ws == "" {
		return "."
	}
	return ws
}

func loadConfig() (*config.Config, error) {
	return config.LoadOptional(workspaceDir())
}

func loadStore() (store.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return store.Store{}, nil, err
	}
	return store.New(workspaceDir(), cfg.Storage.LeadsDir), cfg, nil
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.Open(ctx, workspaceDir(), logger)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Print(text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
