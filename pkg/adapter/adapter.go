package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"a2arunner/pkg/llm"
	"a2arunner/pkg/logx"
	"a2arunner/pkg/session"
	"a2arunner/pkg/task"
)

const (
	// DefaultContextWindow is how many stored messages a Completer sees.
	DefaultContextWindow = 20
	// DefaultUserID is the user id passed to agent runtimes.
	DefaultUserID = "a2a_user"

	responseArtifact = "response"
	noResponse       = "No response generated"
	apology          = "I apologize, but I'm having trouble processing your request right now."
)

// ErrUnknownInterface is returned for backends with no recognised capability.
var ErrUnknownInterface = errors.New("backend exposes no supported interface")

// SessionContext supplies conversation history to adapters that need it.
type SessionContext interface {
	ConversationContext(ctx context.Context, sessionID string, max int) ([]session.Message, error)
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Session       SessionContext
	Logger        *logx.Logger
	UserID        string
	ContextWindow int
}

func (d Deps) withDefaults() Deps {
	if d.ContextWindow <= 0 {
		d.ContextWindow = DefaultContextWindow
	}
	if d.UserID == "" {
		d.UserID = DefaultUserID
	}
	if d.Logger == nil {
		d.Logger = logx.NewLogger("adapter")
	}
	return d
}

// Adapter runs one attempt of a task against a backend.
//
// On success Run emits exactly one final status. Failures are returned and
// nothing final is emitted.
type Adapter interface {
	Kind() Kind
	Run(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error
	sealed()
}

// For detects backend's kind and returns the matching adapter.
func For(backend any, deps Deps) Adapter {
	return ForKind(Detect(backend), backend, deps)
}

// ForKind builds the adapter for kind. Kinds the backend does not actually
// implement fall back to the unknown adapter.
func ForKind(kind Kind, backend any, deps Deps) Adapter {
	deps = deps.withDefaults()
	switch kind {
	case KindProcessTask:
		if b, ok := backend.(TaskProcessor); ok {
			return &taskAdapter{backend: b}
		}
	case KindProcessMessage:
		if b, ok := backend.(MessageProcessor); ok {
			return &messageAdapter{backend: b}
		}
	case KindComplete:
		if b, ok := backend.(Completer); ok {
			return &completeAdapter{backend: b, raw: backend, deps: deps}
		}
	case KindChat:
		if b, ok := backend.(Chatter); ok {
			return &chatAdapter{backend: b}
		}
	case KindInvoke:
		if b, ok := backend.(Invoker); ok {
			return &invokeAdapter{backend: b}
		}
	case KindRuntimeAsync, KindRuntimeLive, KindRuntimeAgent:
		return &runtimeAdapter{kind: kind, backend: backend, deps: deps}
	}
	return &unknownAdapter{}
}

// respond emits the response artifact followed by completed.
func respond(taskID, text string, emit task.Emitter) error {
	if text == "" {
		text = noResponse
	}
	if err := emit(task.NewArtifact(taskID, task.NewTextArtifact(responseArtifact, text, 0))); err != nil {
		return err
	}
	return emit(task.NewStatus(taskID, task.StateCompleted))
}

type taskAdapter struct {
	backend TaskProcessor
}

func (*taskAdapter) Kind() Kind { return KindProcessTask }

func (*taskAdapter) sealed() {}

func (a *taskAdapter) Run(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error {
	return a.backend.ProcessTask(ctx, taskID, msg, sessionID, emit)
}

type messageAdapter struct {
	backend MessageProcessor
}

func (*messageAdapter) Kind() Kind { return KindProcessMessage }

func (*messageAdapter) sealed() {}

func (a *messageAdapter) Run(ctx context.Context, taskID string, msg task.Message, _ string, emit task.Emitter) error {
	return a.backend.ProcessMessage(ctx, taskID, msg, emit)
}

type completeAdapter struct {
	backend Completer
	raw     any
	deps    Deps
}

func (*completeAdapter) Kind() Kind { return KindComplete }

func (*completeAdapter) sealed() {}

func (a *completeAdapter) Run(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error {
	text := msg.Text()

	if ti, ok := a.raw.(ToolInitializer); ok {
		if err := ti.InitializeTools(ctx); err != nil {
			return fmt.Errorf("initialize tools: %w", err)
		}
	}

	var messages []llm.Message
	if prompt := systemPrompt(a.raw); prompt != "" {
		messages = append(messages, llm.NewSystemMessage(prompt))
	}
	history, err := a.history(ctx, sessionID, text)
	if err != nil {
		return err
	}
	messages = append(messages, history...)
	messages = append(messages, llm.NewUserMessage(text))
	logx.Debug(ctx, "adapter", "task %s: completing with %d history message(s)", taskID, len(history))

	result, err := a.backend.Complete(ctx, messages, sessionID)
	if err != nil {
		return err
	}

	n := len(result.ToolCalls)
	if len(result.ToolResults) < n {
		n = len(result.ToolResults)
	}
	for i := 0; i < n; i++ {
		name := result.ToolCalls[i].Name
		if name == "" {
			name = "unknown"
		}
		content := result.ToolResults[i].Content
		if content == "" {
			content = "No result"
		}
		art := task.NewTextArtifact(fmt.Sprintf("tool_call_%d", i), fmt.Sprintf("🔧 %s: %s", name, content), i+1)
		if err := emit(task.NewArtifact(taskID, art)); err != nil {
			return err
		}
	}
	return respond(taskID, result.Content, emit)
}

// history loads the session context, dropping a trailing copy of the current
// user message that the engine stored before dispatching.
func (a *completeAdapter) history(ctx context.Context, sessionID, current string) ([]llm.Message, error) {
	if a.deps.Session == nil || sessionID == "" {
		return nil, nil
	}
	stored, err := a.deps.Session.ConversationContext(ctx, sessionID, a.deps.ContextWindow)
	if err != nil {
		a.deps.Logger.Warn("conversation context unavailable for %s: %v", sessionID, err)
		return nil, nil
	}
	if k := len(stored); k > 0 && stored[k-1].Role == session.RoleUser && stored[k-1].Content == current {
		stored = stored[:k-1]
	}

	out := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		switch m.Role {
		case session.RoleUser:
			out = append(out, llm.NewUserMessage(m.Content))
		case session.RoleAssistant:
			out = append(out, llm.NewAssistantMessage(m.Content))
		case string(llm.RoleSystem):
			out = append(out, llm.NewSystemMessage(m.Content))
		}
	}
	return out, nil
}

func systemPrompt(backend any) string {
	if p, ok := backend.(SystemPrompter); ok {
		if s := p.SystemPrompt(); s != "" {
			return s
		}
	}
	if i, ok := backend.(Instructioner); ok {
		return i.Instruction()
	}
	return ""
}

type chatAdapter struct {
	backend Chatter
}

func (*chatAdapter) Kind() Kind { return KindChat }

func (*chatAdapter) sealed() {}

func (a *chatAdapter) Run(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error {
	reply, err := a.backend.Chat(ctx, msg.Text(), sessionID)
	if err != nil {
		return err
	}
	return respond(taskID, reply, emit)
}

type invokeAdapter struct {
	backend Invoker
}

func (*invokeAdapter) Kind() Kind { return KindInvoke }

func (*invokeAdapter) sealed() {}

type invokeResult struct {
	text string
	err  error
}

func (a *invokeAdapter) Run(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error {
	text, err := invokeAsync(ctx, a.backend, msg.Text(), sessionID)
	if err != nil {
		return err
	}
	return respond(taskID, text, emit)
}

// invokeAsync runs a blocking Invoke on its own goroutine so the caller can
// give up on ctx. An abandoned call finishes in the background.
func invokeAsync(ctx context.Context, inv Invoker, input, sessionID string) (string, error) {
	done := make(chan invokeResult, 1)
	go func() {
		text, err := inv.Invoke(input, sessionID)
		done <- invokeResult{text: text, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}

type runtimeAdapter struct {
	kind    Kind
	backend any
	deps    Deps
}

func (a *runtimeAdapter) Kind() Kind { return a.kind }

func (*runtimeAdapter) sealed() {}

type runtimeStrategy struct {
	name string
	run  func(ctx context.Context, text, sessionID string) (string, bool, error)
}

func (a *runtimeAdapter) strategies() []runtimeStrategy {
	var out []runtimeStrategy
	if inv, ok := a.backend.(Invoker); ok {
		out = append(out, runtimeStrategy{"invoke", func(ctx context.Context, text, sessionID string) (string, bool, error) {
			reply, err := invokeAsync(ctx, inv, text, sessionID)
			return reply, err == nil, err
		}})
	}
	if r, ok := a.backend.(AsyncRunner); ok {
		out = append(out, runtimeStrategy{"run_async", func(ctx context.Context, text, sessionID string) (string, bool, error) {
			var last *genai.Content
			for content, err := range r.RunAsync(ctx, a.deps.UserID, sessionID, userContent(text)) {
				if err != nil {
					return "", false, err
				}
				if content != nil {
					last = content
				}
			}
			reply, ok := contentText(last)
			return reply, ok, nil
		}})
	}
	if r, ok := a.backend.(LiveRunner); ok {
		out = append(out, runtimeStrategy{"run_live", func(ctx context.Context, text, sessionID string) (string, bool, error) {
			contents, err := r.RunLive(ctx, a.deps.UserID, sessionID, userContent(text))
			if err != nil || len(contents) == 0 {
				return "", false, err
			}
			reply, ok := contentText(contents[len(contents)-1])
			return reply, ok, nil
		}})
	}
	return out
}

func (a *runtimeAdapter) Run(ctx context.Context, taskID string, msg task.Message, sessionID string, emit task.Emitter) error {
	text := msg.Text()
	if sessionID == "" {
		sessionID = "default"
	}

	for _, s := range a.strategies() {
		reply, ok, err := s.run(ctx, text, sessionID)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			a.deps.Logger.Debug("runtime strategy %s failed: %v", s.name, err)
			continue
		}
		if ok {
			a.deps.Logger.Debug("runtime answered via %s", s.name)
			return respond(taskID, reply, emit)
		}
	}

	a.deps.Logger.Warn("runtime fallback response used for task %s", taskID)
	return respond(taskID, a.fallback(text), emit)
}

func (a *runtimeAdapter) fallback(question string) string {
	instruction := ""
	if d, ok := a.backend.(RuntimeDescriber); ok {
		info := d.DescribeRuntime()
		instruction = info.Instruction
		if instruction == "" {
			instruction = info.GlobalInstruction
		}
	}
	if instruction == "" {
		if i, ok := a.backend.(Instructioner); ok {
			instruction = i.Instruction()
		}
	}
	if instruction == "" {
		return apology
	}
	return fmt.Sprintf("I'm %s. You asked: %s\n\n%s", instruction, question, apology)
}

func userContent(text string) *genai.Content {
	return &genai.Content{Role: "user", Parts: []*genai.Part{{Text: text}}}
}

// contentText joins the text parts of c. ok is false when c has no parts.
func contentText(c *genai.Content) (string, bool) {
	if c == nil || len(c.Parts) == 0 {
		return "", false
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p != nil && p.Text != "" {
			b.WriteString(p.Text)
		}
	}
	return b.String(), true
}

type unknownAdapter struct{}

func (*unknownAdapter) Kind() Kind { return KindUnknown }

func (*unknownAdapter) sealed() {}

func (*unknownAdapter) Run(context.Context, string, task.Message, string, task.Emitter) error {
	return ErrUnknownInterface
}
