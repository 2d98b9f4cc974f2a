package chatbot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"CourseChat/internal/backend"
	"CourseChat/internal/session"
	"CourseChat/internal/store"
)

// ModelLister is implemented by completion clients that can enumerate local models
type ModelLister interface {
	ListOllamaModels(ctx context.Context) ([]backend.OllamaModel, error)
}

// Terminal is a line-oriented front end over a ChatBot
type Terminal struct {
	bot      *ChatBot
	mgr      *session.Manager
	in       io.Reader
	out      io.Writer
	markdown *markdownRenderer
}

// NewTerminal creates a terminal bound to one UI context. Replies are
// rendered as plain-style Markdown until SetStyle picks another style.
func NewTerminal(bot *ChatBot, mgr *session.Manager, in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{bot: bot, mgr: mgr, in: in, out: out}
	if md, err := newMarkdownRenderer(StylePlain, defaultWrap); err == nil {
		t.markdown = md
	}
	return t
}

// SetStyle switches the Markdown style (StylePlain, StyleDark, StyleLight)
// and the wrap width used for replies and history.
func (t *Terminal) SetStyle(style string, width int) error {
	md, err := newMarkdownRenderer(style, width)
	if err != nil {
		return err
	}
	t.markdown = md
	return nil
}

// readLines feeds trimmed input lines to the returned channel until the
// reader ends or done is closed. The error channel yields the scanner error
// once the line channel is closed.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				errc <- nil
				return
			}
		}
		errc <- scanner.Err()
	}()
	return lines, errc
}

// Run reads input until EOF, /quit or ctx is cancelled
func (t *Terminal) Run(ctx context.Context) error {
	fmt.Fprintln(t.out, "=== 💬 Course Chatbot ===")
	fmt.Fprintln(t.out, "Ask anything about your course! Chats are saved permanently.")
	fmt.Fprintf(t.out, "Current Conversation: %s\n", t.mgr.Current())
	fmt.Fprintln(t.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(t.out)

	done := make(chan struct{})
	defer close(done)
	lines, errc := readLines(t.in, done)

	for {
		fmt.Fprint(t.out, "You: ")

		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(t.out)
			fmt.Fprintln(t.out, "Goodbye!")
			return nil
		case l, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}
				fmt.Fprintln(t.out, "Goodbye!")
				return nil
			}
			line = l
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := t.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(t.out, "Error: %v\n", err)
				t.bot.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				fmt.Fprintln(t.out, "Goodbye!")
				return nil
			}
			continue
		}

		ex, err := t.bot.Send(ctx, t.mgr, input)
		if err != nil {
			fmt.Fprintf(t.out, "Error: %v\n", err)
			continue
		}
		for _, w := range ex.Warnings {
			fmt.Fprintf(t.out, "Warning: %s\n", w)
		}
		if ex.Failed() {
			fmt.Fprintf(t.out, "%s\n\n", ex.ErrorMessage())
			continue
		}
		fmt.Fprintf(t.out, "Bot: %s\n\n", t.markdown.Render(ex.Reply))
	}
}

// handleCommand handles special commands
func (t *Terminal) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new", "/new-session":
		id := t.mgr.NewSession()
		fmt.Fprintln(t.out, "Started new session:", id)
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <session-id>")
		}
		t.mgr.SwitchTo(parts[1])
		fmt.Fprintf(t.out, "Switched to session %s\n", parts[1])
		return false, nil

	case "/sessions":
		summaries, warnings := t.bot.Summaries(ctx)
		for _, w := range warnings {
			fmt.Fprintf(t.out, "Warning: %s\n", w)
		}
		if len(summaries) == 0 {
			fmt.Fprintln(t.out, "No previous conversations.")
			return false, nil
		}
		current := t.mgr.Current()
		fmt.Fprintln(t.out, "\nPrevious Conversations:")
		for _, s := range summaries {
			marker := " "
			if s.ID == current {
				marker = "*"
			}
			fmt.Fprintf(t.out, "%s %s  %s\n", marker, s.ID, s.Title)
		}
		fmt.Fprintln(t.out)
		return false, nil

	case "/history":
		id := t.mgr.Current()
		turns, err := t.bot.Turns(ctx, id)
		if err != nil {
			return false, fmt.Errorf("failed to load history: %w", err)
		}
		fmt.Fprintf(t.out, "\nCurrent Conversation: %s\n", id)
		for _, turn := range turns {
			fmt.Fprintf(t.out, "[%s] %s\n", turn.Role, t.markdown.Render(turn.Content))
		}
		fmt.Fprintln(t.out)
		return false, nil

	case "/schema":
		tables, err := t.bot.Schema(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to inspect database: %w", err)
		}
		WriteSchema(t.out, tables)
		return false, nil

	case "/reset":
		if len(parts) < 2 || parts[1] != "confirm" {
			return false, fmt.Errorf("this deletes every conversation; type /reset confirm to proceed")
		}
		if err := t.bot.Reset(ctx); err != nil {
			return false, fmt.Errorf("failed to reset database: %w", err)
		}
		id := t.mgr.NewSession()
		fmt.Fprintf(t.out, "Database reset. Started new session: %s\n", id)
		return false, nil

	case "/models":
		lister, ok := t.bot.completer.(ModelLister)
		if !ok {
			return false, fmt.Errorf("the configured provider cannot list models")
		}
		models, err := lister.ListOllamaModels(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to list models: %w", err)
		}
		fmt.Fprintln(t.out, "\nAvailable models:")
		for i, model := range models {
			sizeGB := float64(model.Size) / (1024 * 1024 * 1024)
			fmt.Fprintf(t.out, "%d. %s - %.2f GB\n", i+1, model.Name, sizeGB)
		}
		fmt.Fprintln(t.out)
		return false, nil

	case "/help":
		fmt.Fprintln(t.out, "Available commands:")
		fmt.Fprintln(t.out, "  /quit, /exit          - Exit the chatbot")
		fmt.Fprintln(t.out, "  /new                  - Start a new chat session")
		fmt.Fprintln(t.out, "  /switch <session-id>  - Continue a previous conversation")
		fmt.Fprintln(t.out, "  /sessions             - List previous conversations")
		fmt.Fprintln(t.out, "  /history              - Show the current conversation")
		fmt.Fprintln(t.out, "  /models               - List local Ollama models")
		fmt.Fprintln(t.out, "  /schema               - Inspect the database schema")
		fmt.Fprintln(t.out, "  /reset confirm        - Delete all conversations")
		fmt.Fprintln(t.out, "  /help                 - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", parts[0])
	}
}

// WriteSchema prints tables and columns in a human readable form
func WriteSchema(w io.Writer, tables []store.Table) {
	if len(tables) == 0 {
		fmt.Fprintln(w, "No tables found in the database.")
		return
	}
	fmt.Fprintln(w, "Database Schema Inspection")
	for _, table := range tables {
		fmt.Fprintf(w, "Table: %s\n", table.Name)
		for _, col := range table.Columns {
			fmt.Fprintf(w, "- %s: %s\n", col.Name, col.Type)
		}
	}
}
