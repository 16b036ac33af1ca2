package chatbot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"GatewayChat/internal/export"
	"GatewayChat/internal/gateway"
	"GatewayChat/internal/session"
)

const (
	highlightOpen  = "\x1b[7m"
	highlightClose = "\x1b[0m"
)

// REPL is the line oriented front end over a ChatBot
type REPL struct {
	cb     *ChatBot
	in     io.Reader
	logger *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	// touched only by the listener
	lastConn    gateway.ConnectionState
	lastErr     string
	lastSession string
	activeSince int64
	printed     map[string]bool

	// touched only by Run
	queued    []Attachment
	draft     string
	draftAtts []Attachment
}

// NewREPL creates a REPL reading commands from in and writing to out
func NewREPL(cb *ChatBot, in io.Reader, out io.Writer, logger *slog.Logger) (*REPL, error) {
	if cb == nil {
		return nil, errors.New("chatbot cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &REPL{
		cb:      cb,
		in:      in,
		out:     out,
		logger:  logger,
		printed: make(map[string]bool),
	}, nil
}

func (r *REPL) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) println(args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintln(r.out, args...)
}

// onState prints connection changes, errors and finished assistant turns
func (r *REPL) onState(st State) {
	if st.SessionKey != r.lastSession {
		r.lastSession = st.SessionKey
		r.activeSince = time.Now().Add(-time.Second).UnixMilli()
		r.printed = make(map[string]bool)
		for _, m := range st.Messages {
			r.printed[m.ID] = true
		}
	}

	if st.Connection != r.lastConn {
		r.lastConn = st.Connection
		r.printf("[%s]\n", st.Connection)
	}

	errText := ""
	if st.Err != nil {
		errText = st.Err.Error()
	}
	if errText != r.lastErr {
		r.lastErr = errText
		if errText != "" {
			r.printf("Error: %s\n", errText)
		}
	}

	for _, m := range st.Messages {
		if m.Role != session.RoleAssistant || m.IsStreaming || r.printed[m.ID] {
			continue
		}
		if m.Timestamp != 0 && m.Timestamp < r.activeSince {
			// history loaded after switching; shown by /history
			r.printed[m.ID] = true
			continue
		}
		r.printed[m.ID] = true
		if m.IsError {
			r.printf("Bot (error): %s\n\n", m.ErrorMessage)
			continue
		}
		r.printf("Bot: %s\n\n", m.Text())
	}
}

// Run reads input until EOF, /quit or ctx is done
func (r *REPL) Run(ctx context.Context) error {
	unsubscribe := r.cb.Subscribe(r.onState)
	defer unsubscribe()

	st := r.cb.State()
	r.println("=== GatewayChat ===")
	if gw := r.cb.Gateway(); gw != "" {
		r.printf("Gateway: %s\n", gw)
	} else {
		r.println("Gateway: not configured (use the configure command)")
	}
	r.printf("Session: %s\n", r.cb.SessionTitle(st.SessionKey))
	r.println("Type /help for commands, /quit to exit")
	r.println()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		r.printf("You: ")

		var input string
		select {
		case <-ctx.Done():
			r.println()
			return nil
		case line, ok := <-lines:
			if !ok {
				r.println()
				r.println("Goodbye!")
				return <-scanErr
			}
			input = strings.TrimSpace(line)
		}

		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := r.handleCommand(ctx, input)
			if err != nil {
				r.printf("Error: %v\n", err)
				r.logger.Error("command error", "command", input, "error", err)
			}
			if shouldQuit {
				r.println("Goodbye!")
				return nil
			}
			continue
		}

		r.send(ctx, input, r.queued)
	}
}

func (r *REPL) send(ctx context.Context, text string, attachments []Attachment) {
	if err := r.cb.Send(ctx, text, attachments); err != nil {
		r.draft = text
		r.draftAtts = attachments
		r.queued = nil
		if errors.Is(err, ErrNotConnected) {
			r.println("Error: not connected. Use /reconnect, then /retry.")
		} else {
			r.printf("Error: %v (use /retry to resend)\n", err)
		}
		return
	}
	r.draft = ""
	r.draftAtts = nil
	r.queued = nil
}

// handleCommand handles slash commands
func (r *REPL) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}
	arg := strings.TrimSpace(strings.TrimPrefix(cmd, parts[0]))

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.printHelp()

	case "/sessions":
		r.listSessions(arg)

	case "/switch":
		if arg == "" {
			return false, errors.New("usage: /switch <session-key>")
		}
		if err := r.cb.SwitchSession(ctx, arg); err != nil {
			return false, err
		}
		r.printf("Switched to %s\n", r.cb.SessionTitle(arg))

	case "/new":
		key := arg
		if key == "" {
			key = "chat-" + uuid.NewString()[:8]
		}
		if err := r.cb.SwitchSession(ctx, key); err != nil {
			return false, err
		}
		r.printf("Started new session: %s\n", key)

	case "/pin":
		key := arg
		if key == "" {
			key = r.cb.State().SessionKey
		}
		pinned, err := r.cb.TogglePin(ctx, key)
		if err != nil {
			return false, err
		}
		if pinned {
			r.printf("Pinned %s\n", key)
		} else {
			r.printf("Unpinned %s\n", key)
		}

	case "/abort":
		return false, r.cb.Abort(ctx)

	case "/clear":
		r.cb.ClearMessages()
		r.println("Cleared local messages")

	case "/reconnect":
		if err := r.cb.Reconnect(ctx); err != nil {
			return false, err
		}

	case "/search":
		if arg == "" {
			return false, errors.New("usage: /search <text>")
		}
		r.search(arg)

	case "/history":
		n := 20
		if arg != "" {
			v, err := strconv.Atoi(arg)
			if err != nil || v <= 0 {
				return false, fmt.Errorf("invalid count: %s", arg)
			}
			n = v
		}
		r.printHistory(n)

	case "/attach":
		if arg == "" {
			return false, errors.New("usage: /attach <path>")
		}
		a, err := AttachmentFromFile(arg)
		if err != nil {
			return false, err
		}
		r.queued = append(r.queued, a)
		r.printf("Attached %s (%s). It will be sent with your next message.\n", a.FileName, a.MimeType)

	case "/export":
		if len(parts) < 2 {
			return false, errors.New("usage: /export <md|json|yaml> [dir]")
		}
		dir := "."
		if len(parts) > 2 {
			dir = parts[2]
		}
		path, err := r.export(parts[1], dir)
		if err != nil {
			return false, err
		}
		r.printf("Exported to %s\n", path)

	case "/status":
		r.printStatus()

	case "/retry":
		if r.draft == "" && len(r.draftAtts) == 0 {
			return false, errors.New("nothing to retry")
		}
		r.send(ctx, r.draft, r.draftAtts)

	default:
		r.printf("Unknown command: %s (try /help)\n", parts[0])
	}
	return false, nil
}

func (r *REPL) printHelp() {
	r.println("Available commands:")
	r.println("  /quit, /exit               - Exit")
	r.println("  /sessions [query]          - List sessions, optionally filtered")
	r.println("  /switch <key>              - Switch to a session")
	r.println("  /new [key]                 - Start a new session")
	r.println("  /pin [key]                 - Pin or unpin a session")
	r.println("  /abort                     - Stop the current reply")
	r.println("  /clear                     - Clear local messages")
	r.println("  /reconnect                 - Reconnect to the gateway")
	r.println("  /search <text>             - Search this conversation")
	r.println("  /history [n]               - Show the last n messages")
	r.println("  /attach <path>             - Attach a file to the next message")
	r.println("  /export <md|json|yaml> [dir] - Export this conversation")
	r.println("  /status                    - Show connection status")
	r.println("  /retry                     - Resend the last failed message")
	r.println("  /help                      - Show this help message")
}

func (r *REPL) listSessions(query string) {
	st := r.cb.State()
	sessions := st.Sessions
	if query != "" {
		sessions = session.FilterSessions(sessions, query)
	}
	if len(sessions) == 0 {
		r.println("No sessions.")
		return
	}

	pinned := make(map[string]bool, len(st.Pinned))
	for _, k := range st.Pinned {
		pinned[k] = true
	}

	r.println()
	for i, s := range sessions {
		marker := " "
		if s.Key == st.SessionKey {
			marker = ">"
		}
		pin := ""
		if pinned[s.Key] {
			pin = " (pinned)"
		}
		r.printf("%s %2d. %s %s%s\n", marker, i+1, s.Icon(), r.cb.SessionTitle(s.Key), pin)
		r.printf("       %s\n", s.Key)
	}
	r.println()
}

func (r *REPL) search(query string) {
	st := r.cb.State()
	matches := session.Search(st.Messages, query)
	if len(matches) == 0 {
		r.println("No matches.")
		return
	}
	for _, m := range matches {
		r.printf("[%s] %s\n", m.Role, session.Highlight(m.Text, query, highlightOpen, highlightClose))
	}
	r.printf("%d matching messages\n", len(matches))
}

func (r *REPL) printHistory(n int) {
	msgs := r.cb.State().Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	for _, m := range msgs {
		switch {
		case m.IsError:
			r.printf("%s (error): %s\n", m.Role, m.ErrorMessage)
		case m.IsStreaming:
			r.printf("%s (typing): %s\n", m.Role, m.Text())
		default:
			r.printf("%s: %s\n", m.Role, m.Text())
		}
	}
}

func (r *REPL) printStatus() {
	st := r.cb.State()
	r.printf("Gateway:    %s\n", r.cb.Gateway())
	r.printf("Connection: %s\n", st.Connection)
	r.printf("Session:    %s (%s)\n", r.cb.SessionTitle(st.SessionKey), st.SessionKey)
	r.printf("Messages:   %d\n", len(st.Messages))
	r.printf("Unread:     %d\n", st.Unread)
	r.printf("Streaming:  %t\n", st.IsStreaming)
	r.printf("Pinned:     %s\n", strings.Join(st.Pinned, ", "))
	if st.Err != nil {
		r.printf("Last error: %v\n", st.Err)
	}
}

func (r *REPL) export(format, dir string) (string, error) {
	exp, err := export.ForFormat(format)
	if err != nil {
		return "", err
	}
	st := r.cb.State()
	s, ok := session.Find(st.Sessions, st.SessionKey)
	if !ok {
		s = session.Session{Key: st.SessionKey, FriendlyID: st.SessionKey}
	}
	conv := export.Conversation{
		Session:    s,
		Title:      r.cb.SessionTitle(st.SessionKey),
		Messages:   st.Messages,
		ExportedAt: time.Now(),
	}
	return export.WriteFile(dir, conv, exp)
}
