package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"CourseChat/internal/cache"
	"CourseChat/internal/completion"
	"CourseChat/internal/events"
	"CourseChat/internal/session"
	"CourseChat/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrEmptyInput is returned by Send for blank messages
var ErrEmptyInput = errors.New("message is empty")

// Store is the conversation store as seen by the chat bot
type Store interface {
	store.TurnLog
	ListSessions(ctx context.Context) ([]string, error)
	FirstTurn(ctx context.Context, sessionID string) (session.Turn, bool, error)
	Reset(ctx context.Context) error
	DescribeSchema(ctx context.Context) ([]store.Table, error)
}

// Options wires a ChatBot to its collaborators
type Options struct {
	Store     Store
	Completer completion.Service
	Responses *cache.ResponseCache
	Publisher events.Publisher
	IDs       *session.IDSource

	SystemPrompt   string
	Timeout        time.Duration
	HistoryHandles int

	Logger *slog.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// ChatBot drives request/response exchanges between users, the store and
// the completion service.
type ChatBot struct {
	store     Store
	histories *store.HistoryCache
	completer completion.Service
	responses *cache.ResponseCache
	publisher events.Publisher
	ids       *session.IDSource

	systemPrompt string
	timeout      time.Duration

	logger   *slog.Logger
	tracer   trace.Tracer
	appended metric.Int64Counter
	failures metric.Int64Counter
}

// NewChatBot creates a new ChatBot instance
func NewChatBot(ctx context.Context, opts Options) (*ChatBot, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("chatbot: store is required")
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("chatbot: completion service is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}
	if opts.IDs == nil {
		opts.IDs = session.NewIDSource()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("coursechat/chatbot")
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("coursechat/chatbot")
	}

	histories, err := store.NewHistoryCache(opts.Store, opts.HistoryHandles)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}

	appended, err := opts.Meter.Int64Counter("chatbot.turns.appended",
		metric.WithDescription("Turns persisted to the conversation store"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	failures, err := opts.Meter.Int64Counter("chatbot.completion.failures",
		metric.WithDescription("Completion calls that produced no reply"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	cb := &ChatBot{
		store:        opts.Store,
		histories:    histories,
		completer:    opts.Completer,
		responses:    opts.Responses,
		publisher:    opts.Publisher,
		ids:          opts.IDs,
		systemPrompt: opts.SystemPrompt,
		timeout:      opts.Timeout,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		appended:     appended,
		failures:     failures,
	}

	// New ids must not collide with sessions persisted by earlier runs.
	if ids, err := cb.store.ListSessions(ctx); err != nil {
		cb.logger.Warn("failed to list sessions, session ids may collide", "error", err)
	} else {
		cb.ids.SeedFrom(ids)
	}

	return cb, nil
}

// IDs returns the id source shared by every session manager of this bot
func (cb *ChatBot) IDs() *session.IDSource {
	return cb.ids
}

// Exchange is the outcome of one user message
type Exchange struct {
	SessionID string       `json:"session_id"`
	User      session.Turn `json:"user"`
	Reply     string       `json:"reply,omitempty"`
	Cached    bool         `json:"cached,omitempty"`
	Err       error        `json:"-"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Failed reports whether no reply was produced
func (e *Exchange) Failed() bool {
	return e.Err != nil
}

// ErrorMessage is the inline text shown in place of a reply
func (e *Exchange) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return "Error: " + e.Err.Error()
}

func (e *Exchange) warn(format string, args ...any) {
	e.Warnings = append(e.Warnings, fmt.Sprintf(format, args...))
}

// Send runs one exchange in the manager's current session: load history,
// persist the user turn, ask the completion service, persist the reply.
// Storage failures become warnings on the exchange; a completion failure sets
// Exchange.Err and stores no assistant turn.
func (cb *ChatBot) Send(ctx context.Context, mgr *session.Manager, input string) (*Exchange, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	mgr.LockExchange()
	defer mgr.UnlockExchange()

	sessionID := mgr.Current()
	ctx, span := cb.tracer.Start(ctx, "chatbot.send", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	ex := &Exchange{
		SessionID: sessionID,
		User: session.Turn{
			SessionID: sessionID,
			Role:      session.RoleUser,
			Content:   input,
			Timestamp: time.Now(),
		},
	}
	history := cb.histories.Get(sessionID)

	prior, err := history.Messages(ctx)
	if err != nil {
		cb.logger.Warn("failed to load history", "session_id", sessionID, "error", err)
		ex.warn("Could not load earlier messages: %v", err)
		prior = nil
	}

	if err := history.AddUserMessage(ctx, input); err != nil {
		cb.logger.Error("failed to save user message", "session_id", sessionID, "error", err)
		ex.warn("Your message could not be saved: %v", err)
	} else {
		cb.turnAppended(ctx, ex.User)
	}

	messages := make([]session.Turn, 0, len(prior)+1)
	messages = append(messages, prior...)
	messages = append(messages, ex.User)

	reply, cached, err := cb.complete(ctx, messages)
	if err != nil {
		ex.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		cb.failures.Add(ctx, 1)
		cb.logger.Error("completion failed", "session_id", sessionID, "error", err)
		return ex, nil
	}
	ex.Reply = reply
	ex.Cached = cached

	if err := history.AddAIMessage(ctx, reply); err != nil {
		cb.logger.Error("failed to save reply", "session_id", sessionID, "error", err)
		ex.warn("The reply could not be saved: %v", err)
	} else {
		cb.turnAppended(ctx, session.Turn{
			SessionID: sessionID,
			Role:      session.RoleAssistant,
			Content:   reply,
			Timestamp: time.Now(),
		})
	}

	cb.logger.Info("exchange completed", "session_id", sessionID, "history_turns", len(prior), "cached", cached)
	return ex, nil
}

func (cb *ChatBot) complete(ctx context.Context, messages []session.Turn) (string, bool, error) {
	cacheKey := cache.GenerateCacheKey(cb.systemPrompt, messages)
	if hit, ok := cb.responses.Get(cacheKey); ok {
		cb.logger.Info("cache hit", "key", cacheKey[:16])
		return hit.Response, true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cb.timeout)
	defer cancel()

	reply, err := cb.completer.Complete(ctx, cb.systemPrompt, messages)
	if err != nil {
		return "", false, asCompletionError(err)
	}

	cb.responses.Put(cacheKey, reply)
	return reply, false, nil
}

// asCompletionError gives every failure from a Service the completion.Error shape.
func asCompletionError(err error) error {
	var cErr *completion.Error
	if errors.As(err, &cErr) {
		return err
	}
	kind := completion.KindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = completion.KindTimeout
	}
	return &completion.Error{Provider: "completion", Kind: kind, Err: err}
}

func (cb *ChatBot) turnAppended(ctx context.Context, t session.Turn) {
	cb.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("turn.role", string(t.Role))))

	ev := events.TurnEvent{SessionID: t.SessionID, Role: t.Role, Content: t.Content, At: t.Timestamp}
	if err := cb.publisher.PublishTurn(ctx, ev); err != nil {
		cb.logger.Warn("failed to publish turn event", "session_id", t.SessionID, "error", err)
	}
}

// Turns returns the stored conversation of a session
func (cb *ChatBot) Turns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	return cb.histories.Get(sessionID).Messages(ctx)
}

// Summaries lists stored sessions most recent first with display titles.
// Read failures degrade to fewer entries and are reported as warnings.
func (cb *ChatBot) Summaries(ctx context.Context) ([]session.Summary, []string) {
	var warnings []string

	ids, err := cb.store.ListSessions(ctx)
	if err != nil {
		cb.logger.Warn("failed to list sessions", "error", err)
		return []session.Summary{}, []string{fmt.Sprintf("Error loading sessions: %v", err)}
	}

	summaries := make([]session.Summary, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		first, ok, err := cb.store.FirstTurn(ctx, id)
		if err != nil {
			cb.logger.Warn("failed to load session title", "session_id", id, "error", err)
			warnings = append(warnings, fmt.Sprintf("Error loading session %s: %v", id, err))
			continue
		}
		summaries = append(summaries, session.Summary{
			ID:    id,
			Title: session.Title(id, first.Content, ok),
		})
	}
	return summaries, warnings
}

// Schema describes the persisted tables
func (cb *ChatBot) Schema(ctx context.Context) ([]store.Table, error) {
	return cb.store.DescribeSchema(ctx)
}

// Reset irreversibly deletes every stored conversation and recreates the
// store. It must not run while other exchanges are in flight.
func (cb *ChatBot) Reset(ctx context.Context) error {
	if err := cb.store.Reset(ctx); err != nil {
		return err
	}
	cb.histories.Purge()
	cb.responses.Purge()
	cb.logger.Warn("conversation store reset")
	return nil
}
