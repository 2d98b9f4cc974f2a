package main

import (
	"errors"
	"fmt"
	"os"

	"CourseChat/internal/chatbot"
	"CourseChat/internal/session"
	"CourseChat/internal/web"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

type rootFlags struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "coursechat",
		Short: "💬 Course chatbot with persistent conversations",
		Long: `coursechat answers course questions through an LLM completion API and keeps
every conversation in a relational store so it can be resumed later.

EXAMPLES:
  coursechat serve                  # Web UI on :8501
  coursechat chat                   # Terminal chat in a new session
  coursechat chat --session-id user_3
  coursechat sessions               # List stored conversations
  coursechat schema                 # Inspect the database schema
  coursechat reset --yes            # Delete every conversation`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file (default ./coursechat.yaml or $HOME/.coursechat/coursechat.yaml)")
	root.PersistentFlags().BoolVarP(&flags.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		newServeCommand(flags),
		newChatCommand(flags),
		newSessionsCommand(flags),
		newSchemaCommand(flags),
		newResetCommand(flags),
	)
	return root
}

func newServeCommand(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web chat UI and JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, os.Stderr)
			if err != nil {
				return err
			}
			defer a.close()

			srv, err := web.NewServer(web.Options{Bot: a.bot, Contexts: a.cfg.Cache.UIContexts, Logger: a.logger})
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			return srv.Serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func newChatCommand(flags *rootFlags) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			mgr := session.NewManager(a.bot.IDs())
			if sessionID != "" {
				mgr.SwitchTo(sessionID)
			}
			t := chatbot.NewTerminal(a.bot, mgr, cmd.InOrStdin(), cmd.OutOrStdout())
			if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) && cmd.OutOrStdout() == os.Stdout {
				width := 80
				if w, _, err := term.GetSize(fd); err == nil && w > 0 {
					width = min(w-4, 120)
				}
				if err := t.SetStyle(chatbot.StyleDark, width); err != nil {
					a.logger.Warn("falling back to plain output", "error", err)
				}
			}
			return t.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "Continue an existing session")
	return cmd
}

func newSessionsCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List stored conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			summaries, warnings := a.bot.Summaries(cmd.Context())
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No previous conversations.")
				return nil
			}
			for _, s := range summaries {
				fmt.Fprintf(out, "%-10s %s\n", s.ID, s.Title)
			}
			return nil
		},
	}
}

func newSchemaCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Inspect the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			tables, err := a.bot.Schema(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to inspect database: %w", err)
			}
			chatbot.WriteSchema(cmd.OutOrStdout(), tables)
			return nil
		},
	}
}

func newResetCommand(flags *rootFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes every conversation; pass --yes to confirm")
			}
			a, err := newApp(cmd.Context(), flags, nil)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.bot.Reset(cmd.Context()); err != nil {
				return fmt.Errorf("failed to reset database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database reset successfully!")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the reset")
	return cmd
}
