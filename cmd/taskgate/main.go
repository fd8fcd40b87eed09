package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/rcourtman/taskgate/internal/logging"
	"github.com/rcourtman/taskgate/internal/taskgate"
	"github.com/rcourtman/taskgate/internal/taskgate/principal"
	"github.com/rcourtman/taskgate/internal/taskgate/store"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "taskgate",
	Short:   "Taskgate - multi-tenant task manager with chat and billing",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd, hashpwCmd, sandboxTokenCmd, migrateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the chat client",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Taskgate %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Fprintf(out, "Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Fprintf(out, "Commit: %s\n", GitCommit)
		}
	},
}

var readPassword = term.ReadPassword

var hashpwCmd = &cobra.Command{
	Use:   "hashpw [password]",
	Short: "Print a bcrypt hash for TASKGATE_ADMIN_PASSWORD_HASH",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if len(args) == 1 {
			password = args[0]
		} else {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			raw, err := readPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			password = string(raw)
		}
		if strings.TrimSpace(password) == "" {
			return fmt.Errorf("password must not be empty")
		}
		hash, err := taskgate.HashPassword(password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

var sandboxTokenCmd = &cobra.Command{
	Use:   "sandbox-token <slack-user-id> [name]",
	Short: "Mint a dashboard link for a chat user",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := taskgate.LoadConfig()
		if err != nil {
			return err
		}
		name := ""
		if len(args) == 2 {
			name = args[1]
		}
		return printSandboxLink(cmd.OutOrStdout(), cfg, args[0], name)
	},
}

func printSandboxLink(w io.Writer, cfg *taskgate.Config, slackUserID, name string) error {
	tokens, err := principal.NewTokenIssuer(cfg.TokenSecret)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(principal.SandboxClaims(slackUserID, name))
	if err != nil {
		return err
	}
	fmt.Fprintln(w, cfg.BaseURL+"/dashboard?"+url.Values{"token": {token}}.Encode())
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := taskgate.LoadConfig()
		if err != nil {
			return err
		}
		logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Service: "taskgate"})
		st, err := store.Open(cmd.Context(), store.Options{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, DataDir: cfg.DataDir})
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		defer st.Close()
		log.Info().Str("db", cfg.DBDriver).Msg("Schema is up to date")
		return nil
	},
}

func serve(ctx context.Context) error {
	return taskgate.Run(ctx, Version)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
