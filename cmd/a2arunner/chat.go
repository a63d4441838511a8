package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"a2arunner/internal/kernel"
	"a2arunner/pkg/session"
	"a2arunner/pkg/task"
	"a2arunner/pkg/taskmgr"
)

type usageReporter interface {
	SessionUsage(ctx context.Context, sessionID string) (session.Usage, error)
}

// chatSession is the state of one interactive chat.
type chatSession struct {
	k         *kernel.Kernel
	handler   string
	sessionID string
	timeout   time.Duration
	out       io.Writer
}

func runChat(args []string, stdout, stderr io.Writer) int {
	var (
		common    commonFlags
		handler   string
		sessionID string
		timeout   time.Duration
	)
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	common.register(fs)
	fs.StringVar(&handler, "handler", "", "Handler to talk to (default: the configured default)")
	fs.StringVar(&sessionID, "session", "", "Session id to continue (default: a new one)")
	fs.DurationVar(&timeout, "timeout", 5*time.Minute, "Per-message timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}
	// One chat never needs dedup: repeating a question is deliberate.
	cfg.Dedup.Enabled = false

	k, err := kernel.NewKernel(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = k.Stop(ctx)
	}()

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if handler == "" {
		handler = k.Registry.Default()
	}
	if !k.Registry.Has(handler) {
		fmt.Fprintf(stderr, "Unknown handler %q (available: %s)\n", handler, strings.Join(k.Registry.Names(), ", "))
		return 1
	}

	c := &chatSession{k: k, handler: handler, sessionID: sessionID, timeout: timeout, out: stdout}
	interactive := term.IsTerminal(syscall.Stdin)
	if interactive {
		fmt.Fprintf(stdout, "Chatting with %s (session %s). /help for commands.\n", handler, sessionID)
	}
	if err := c.loop(os.Stdin, interactive); err != nil {
		fmt.Fprintf(stderr, "Chat failed: %v\n", err)
		return 1
	}
	return 0
}

func (c *chatSession) loop(in io.Reader, interactive bool) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if interactive {
			fmt.Fprint(c.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := c.command(line); quit {
				return nil
			}
			continue
		}
		if err := c.send(line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

// command handles a slash command and reports whether to quit.
func (c *chatSession) command(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, "/handler <name>  switch handler")
		fmt.Fprintln(c.out, "/handlers        list handlers")
		fmt.Fprintln(c.out, "/new             start a new session")
		fmt.Fprintln(c.out, "/usage           show session size")
		fmt.Fprintln(c.out, "/quit            leave")
	case "/handlers":
		for _, name := range c.k.Registry.Names() {
			marker := " "
			if name == c.handler {
				marker = "*"
			}
			fmt.Fprintf(c.out, "%s %s\n", marker, name)
		}
	case "/handler":
		if len(fields) != 2 || !c.k.Registry.Has(fields[1]) {
			fmt.Fprintln(c.out, "usage: /handler <name> (see /handlers)")
			break
		}
		c.handler = fields[1]
		fmt.Fprintf(c.out, "now talking to %s\n", c.handler)
	case "/new":
		c.sessionID = uuid.NewString()
		fmt.Fprintf(c.out, "new session %s\n", c.sessionID)
	case "/usage":
		c.printUsage()
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", fields[0])
	}
	return false
}

func (c *chatSession) printUsage() {
	h, err := c.k.Registry.Get(c.handler)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	ur, ok := h.(usageReporter)
	if !ok {
		fmt.Fprintf(c.out, "%s keeps no session history\n", c.handler)
		return
	}
	u, err := ur.SessionUsage(context.Background(), c.sessionID)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "%d messages, ~%d tokens (%d prompt, %d completion)\n",
		u.Messages, u.TotalTokens, u.PromptTokens, u.CompletionTokens)
}

// send runs one task and prints its artifacts as they arrive.
func (c *chatSession) send(text string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// Subscribe before creating so no early event is missed.
	sub := c.k.Tasks.Bus().Subscribe(nil)
	defer sub.Close()

	created, err := c.k.Tasks.CreateTask(ctx, task.NewUserMessage(text), c.sessionID, c.handler)
	if err != nil {
		return err
	}
	if created.Status.State.IsTerminal() {
		c.printFinal(created)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if _, err := c.k.Tasks.CancelTask(context.Background(), created.ID); err != nil {
				return fmt.Errorf("timed out; cancel failed: %w", err)
			}
			return fmt.Errorf("timed out after %s", c.timeout)
		case ev, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if ev.TaskID() != created.ID {
				continue
			}
			switch e := ev.(type) {
			case *task.ArtifactEvent:
				fmt.Fprintln(c.out, e.Artifact.Text())
			case *task.StatusEvent:
				if e.Final {
					if e.Status.State != task.StateCompleted {
						c.printStatus(e.Status)
					}
					return nil
				}
			}
		}
	}
}

func (c *chatSession) printFinal(t *taskmgr.Task) {
	for _, a := range t.Artifacts {
		fmt.Fprintln(c.out, a.Text())
	}
	if t.Status.State != task.StateCompleted {
		c.printStatus(t.Status)
	}
}

func (c *chatSession) printStatus(s task.Status) {
	if s.Message != nil {
		fmt.Fprintf(c.out, "[%s] %s\n", s.State, s.Message.Text())
		return
	}
	fmt.Fprintf(c.out, "[%s]\n", s.State)
}
