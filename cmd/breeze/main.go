// Command breeze is an interactive client for the orchestrator.
//
//	breeze                 start a REPL on session "cli"
//	breeze -q "台北天氣"    answer one question and exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/breezeflow"
	"github.com/ZanzyTHEbar/breezeflow/internal/eventbus"
	"github.com/ZanzyTHEbar/breezeflow/pkg/breeze"
	"goa.design/clue/log"
)

func main() {
	var (
		configF   = flag.String("config", "", "Path to a YAML config file")
		envF      = flag.String("env", ".env", "Path to a .env file (missing files are ignored)")
		sessionF  = flag.String("session", "cli", "Session ID")
		queryF    = flag.String("q", "", "Answer a single question and exit")
		progressF = flag.Bool("progress", true, "Print pipeline progress to stderr")
		dbgF      = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	} else {
		// Keep the terminal for answers unless debugging.
		ctx = log.Context(ctx, log.WithOutput(io.Discard))
	}

	if err := breeze.LoadDotEnv(*envF); err != nil {
		log.Fatalf(ctx, err, "failed to load %s", *envF)
	}
	cfg, err := breeze.LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "failed to load config")
	}
	if *dbgF {
		cfg.Debug = true
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	b, err := breeze.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", breezeflow.Detail(err))
		os.Exit(1)
	}
	defer b.Close()

	if *progressF {
		if id, err := b.Subscribe(progressPrinter(os.Stderr, *sessionF)); err == nil {
			defer b.Unsubscribe(id)
		}
	}

	c := &client{b: b, session: *sessionF, out: os.Stdout}
	if *queryF != "" {
		if err := c.ask(ctx, *queryF); err != nil {
			os.Exit(1)
		}
		return
	}
	c.repl(ctx, os.Stdin)
}

type client struct {
	b       *breeze.Breeze
	session string
	out     io.Writer
}

func (c *client) repl(ctx context.Context, in io.Reader) {
	fmt.Fprintf(c.out, "breezeflow (session %s). /help for commands.\n", c.session)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if !c.command(ctx, line) {
				return
			}
			continue
		}
		_ = c.ask(ctx, line)
		if ctx.Err() != nil {
			return
		}
	}
}

// command runs a slash command and reports whether the REPL should continue.
func (c *client) command(ctx context.Context, line string) bool {
	switch strings.Fields(line)[0] {
	case "/exit", "/quit":
		return false
	case "/help":
		fmt.Fprintln(c.out, "/history  show this session's messages")
		fmt.Fprintln(c.out, "/tools    list available tools")
		fmt.Fprintln(c.out, "/reset    clear this session")
		fmt.Fprintln(c.out, "/exit     quit")
	case "/tools":
		for _, t := range c.b.ListTools() {
			fmt.Fprintf(c.out, "  %-14s %s\n", t.Name, t.Description)
		}
	case "/history":
		h, err := c.b.History(ctx, c.session)
		if err != nil {
			fmt.Fprintln(c.out, "error:", breezeflow.Detail(err))
			break
		}
		for _, m := range h {
			fmt.Fprintf(c.out, "[%s] %s\n", m.Role, summary(m))
		}
	case "/reset":
		if err := c.b.Sessions().Reset(ctx, c.session); err != nil {
			fmt.Fprintln(c.out, "error:", breezeflow.Detail(err))
			break
		}
		fmt.Fprintln(c.out, "session cleared")
	default:
		fmt.Fprintf(c.out, "unknown command %s\n", line)
	}
	return true
}

func (c *client) ask(ctx context.Context, query string) error {
	w := &deltaWriter{out: c.out, session: c.session, done: make(chan struct{})}
	if id, err := c.b.Subscribe(w.handle); err == nil {
		defer c.b.Unsubscribe(id)
	}

	answer, err := c.b.AnswerSession(ctx, c.session, query)
	if err == nil {
		// The terminal turn event follows the last delta on the bus.
		select {
		case <-w.done:
		case <-time.After(2 * time.Second):
		}
	}

	streamed := w.finish()
	if err != nil {
		if streamed {
			fmt.Fprintln(c.out)
		}
		fmt.Fprintln(c.out, "error:", breezeflow.Detail(err))
		return err
	}
	if streamed {
		fmt.Fprintln(c.out)
		return nil
	}
	fmt.Fprintln(c.out, answer)
	return nil
}

// deltaWriter prints streamed answer chunks of one session as they arrive.
type deltaWriter struct {
	out     io.Writer
	session string
	done    chan struct{}

	mu       sync.Mutex
	streamed bool
	closed   bool
}

func (w *deltaWriter) handle(_ context.Context, e eventbus.Event) error {
	if sid, _ := e.Metadata()["session_id"].(string); sid != w.session {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	switch e.Type() {
	case eventbus.EventSynthesisDelta:
		if chunk, ok := e.Payload().(string); ok && chunk != "" {
			fmt.Fprint(w.out, chunk)
			w.streamed = true
		}
	case eventbus.EventTurnCompleted, eventbus.EventTurnFailed, eventbus.EventTurnCancelled:
		w.closed = true
		close(w.done)
	}
	return nil
}

// finish stops printing and reports whether any chunk was written.
func (w *deltaWriter) finish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.done)
	}
	return w.streamed
}

func summary(m breezeflow.Message) string {
	if len(m.ToolCalls) == 0 {
		return m.Content
	}
	names := make([]string, len(m.ToolCalls))
	for i, call := range m.ToolCalls {
		names[i] = call.ToolName
	}
	return fmt.Sprintf("%s (tools: %s)", m.Content, strings.Join(names, ", "))
}

// progressPrinter writes one line per stage and tool call of session.
func progressPrinter(w io.Writer, session string) eventbus.EventHandler {
	return func(_ context.Context, e eventbus.Event) error {
		meta := e.Metadata()
		if sid, _ := meta["session_id"].(string); sid != session {
			return nil
		}
		switch e.Type() {
		case eventbus.EventStageEntered:
			fmt.Fprintf(w, "  … %v\n", e.Payload())
		case eventbus.EventToolCallStarted:
			fmt.Fprintf(w, "  → %v\n", meta["tool"])
		case eventbus.EventToolCallFailure:
			fmt.Fprintf(w, "  ✗ %v\n", meta["tool"])
		}
		return nil
	}
}
