package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"chatlink/internal/config"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configDir string
	server    string
	debug     bool
	plain     bool
}

// newRootCmd builds the command tree. out receives everything the
// commands print. The returned func releases what the command opened and
// must run even when the command fails.
func newRootCmd(out io.Writer) (*cobra.Command, func()) {
	opts := &rootOptions{}
	var app *App

	root := &cobra.Command{
		Use:   "chatlink",
		Short: "Terminal client for the site chat",
		Long: `chatlink joins the site's real-time chat from a terminal.

Run without a subcommand to open the interactive chat. Messages starting
with "!ai " are also sent to the assistant and its answer is posted to
the chat.

Quick Start:
  chatlink login --token <token>    # store the credential from the site
  chatlink                          # open the chat
  chatlink ask "what is a goroutine"`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configDir)
			if err != nil {
				return err
			}
			if opts.server != "" {
				cfg.ServerURL = opts.server
			}
			if opts.debug {
				cfg.Log.Debug = true
			}
			app = NewApp(cfg, out)
			return app.startup(opts.plain)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunChat(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "Config, credential and log directory (default ~/.chatlink, env "+config.EnvConfigDir+")")
	root.PersistentFlags().StringVar(&opts.server, "server", "", "Server base URL (env "+config.EnvServer+")")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Log at debug level and mirror logs to stderr")
	root.PersistentFlags().BoolVar(&opts.plain, "plain", false, "Print without colour or markdown rendering")
	root.SetOut(out)
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	var loginToken string
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Store the credential issued by the site",
		Long: `Store the bearer credential issued by the site's sign-in page.
Use --token - to read it from stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok := loginToken
			if tok == "-" {
				data, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 64<<10))
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				tok = string(data)
			}
			if strings.TrimSpace(tok) == "" {
				app.authRedirect("")
				return fmt.Errorf("--token is required")
			}
			return app.Login(tok)
		},
	}
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Credential to store, or - for stdin")

	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Logout()
		},
	}

	var provider string
	askCmd := &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Ask the assistant without posting to the chat",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Ask(cmd.Context(), strings.Join(args, " "), provider)
		},
	}
	askCmd.Flags().StringVar(&provider, "provider", "", "Assistant provider (gemini, anthropic, openai, groq)")

	sendCmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Post one message to the chat and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Send(cmd.Context(), strings.Join(args, " "))
		},
	}

	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Show how many users are in the chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Users(cmd.Context())
		},
	}

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List the assistant providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Providers(cmd.Context())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and sign-in state",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			app.Status()
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the configuration file with current settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.InitConfig(force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	root.AddCommand(loginCmd, logoutCmd, askCmd, sendCmd, usersCmd, providersCmd, statusCmd, initCmd)

	cleanup := func() {
		if app != nil {
			app.shutdown()
			app = nil
		}
	}
	return root, cleanup
}

func main() {
	root, cleanup := newRootCmd(os.Stdout)
	err := root.ExecuteContext(context.Background())
	cleanup()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
