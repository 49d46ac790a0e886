// ABOUTME: Line-oriented chat loop: slash commands plus plain text sent to the open conversation
// ABOUTME: Renders new messages, typing and connection status as the session publishes changes

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/2389/support-chat/internal/api"
	"github.com/2389/support-chat/internal/chat"
	"github.com/2389/support-chat/internal/connection"
	"github.com/2389/support-chat/internal/reconcile"
	"github.com/2389/support-chat/internal/session"
	"github.com/2389/support-chat/internal/store"
)

const helpText = `Commands:
  /list                 list conversations (admin)
  /open <id>            open a conversation
  /older                load older messages
  /read                 mark the open conversation read
  /delete <message-id>  delete a message
  /attach <path> [text] send a file
  /reconnect            reconnect the stream
  /status               show connection status
  /quit                 exit
Anything else is sent to the open conversation.`

type repl struct {
	s    *session.Session
	role chat.Role
	in   io.Reader

	mu     sync.Mutex // guards out and shown
	out    io.Writer
	shown  map[string]struct{}
	typing string
}

func newREPL(s *session.Session, role chat.Role, in io.Reader, out io.Writer) *repl {
	return &repl{s: s, role: role, in: in, out: out, shown: make(map[string]struct{})}
}

func (r *repl) run(ctx context.Context) error {
	r.printf(color.FgWhite, "%s\n\n", helpText)
	if r.role == chat.RoleAdmin {
		r.printList()
	} else if active := r.s.Active(); active != "" {
		r.printHistory(active)
	}

	go r.render(ctx)

	scanner := bufio.NewScanner(r.in)
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- io.EOF
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line := <-lines:
			quit, err := r.handle(ctx, strings.TrimSpace(line))
			if err != nil {
				r.printf(color.FgRed, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the loop should stop.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.send(ctx, api.SendRequest{ConversationID: r.s.Active(), Body: line})
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	active := r.s.Active()

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		r.printf(color.FgWhite, "%s\n", helpText)

	case "/list":
		if _, err := r.s.ListConversations(ctx); err != nil {
			return false, err
		}
		r.printList()

	case "/open":
		if arg == "" {
			return false, errors.New("usage: /open <conversation-id>")
		}
		if err := r.s.SelectConversation(ctx, arg); err != nil {
			return false, err
		}
		r.printHistory(arg)

	case "/older":
		if active == "" {
			return false, errors.New("no conversation open")
		}
		if err := r.s.LoadOlder(ctx, active); err != nil {
			return false, err
		}
		r.printHistory(active)

	case "/read":
		if active == "" {
			return false, errors.New("no conversation open")
		}
		return false, r.s.MarkAsRead(ctx, active)

	case "/delete":
		if active == "" || arg == "" {
			return false, errors.New("usage: /delete <message-id> in an open conversation")
		}
		if err := r.s.DeleteMessage(ctx, active, arg); err != nil {
			return false, err
		}
		r.printf(color.FgYellow, "deleted %s\n", arg)

	case "/attach":
		path, caption, _ := strings.Cut(arg, " ")
		if path == "" {
			return false, errors.New("usage: /attach <path> [text]")
		}
		f, err := os.Open(path)
		if err != nil {
			return false, fmt.Errorf("opening attachment: %w", err)
		}
		defer f.Close()
		return false, r.send(ctx, api.SendRequest{
			ConversationID: active,
			Body:           strings.TrimSpace(caption),
			Attachment:     f,
			Filename:       filepath.Base(path),
		})

	case "/reconnect":
		return false, r.s.Reconnect(ctx)

	case "/status":
		r.printStatus(r.s.Status())

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (r *repl) send(ctx context.Context, req api.SendRequest) error {
	if req.ConversationID == "" && r.role == chat.RoleAdmin {
		return errors.New("open a conversation first (/open <id>)")
	}
	msg, err := r.s.SendMessage(ctx, req)
	if err != nil {
		return err
	}
	r.printMessages(msg.ConversationID)
	return nil
}

// render follows session changes until ctx ends.
func (r *repl) render(ctx context.Context) {
	changes := r.s.Changes(ctx)
	statuses := r.s.StatusChanges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			r.onChange(ch)
		case st, ok := <-statuses:
			if !ok {
				return
			}
			r.printStatus(st)
		}
	}
}

func (r *repl) onChange(ch reconcile.Change) {
	active := r.s.Active()
	switch ch.Kind {
	case reconcile.ChangeMessages:
		if ch.ConversationID == active {
			r.printMessages(active)
		}
	case reconcile.ChangeTyping:
		if ch.ConversationID == active {
			r.printTyping(active)
		}
	case reconcile.ChangeAggregate:
		if r.role == chat.RoleAdmin {
			r.printf(color.FgMagenta, "[unread: %d]\n", r.s.AggregateUnread())
		}
	}
}

func (r *repl) printList() {
	convs := r.s.Conversations()
	if len(convs) == 0 {
		r.printf(color.FgYellow, "no conversations\n")
		return
	}
	for _, c := range convs {
		r.printf(color.FgCyan, "%-24s %-7s unread:%-3d %s\n", c.ID, c.Status, c.Unread.Admin, c.LastMessage)
	}
	r.printf(color.FgMagenta, "[unread: %d]\n", r.s.AggregateUnread())
}

// printHistory prints the whole loaded log of id.
func (r *repl) printHistory(id string) {
	r.mu.Lock()
	r.shown = make(map[string]struct{})
	r.typing = ""
	r.mu.Unlock()

	r.printf(color.FgCyan, "--- %s ---\n", id)
	r.printMessages(id)
}

// printMessages prints messages of id not printed yet.
func (r *repl) printMessages(id string) {
	log := r.s.Messages(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range log.Messages {
		if _, ok := r.shown[m.ID]; ok {
			continue
		}
		r.shown[m.ID] = struct{}{}

		who := color.New(color.FgGreen)
		if m.SenderRole != r.role {
			who = color.New(color.FgBlue)
		}
		who.Fprintf(r.out, "[%s %s] ", m.CreatedAt.Local().Format("15:04"), m.SenderRole)
		body := m.Body
		if m.Attachment != nil {
			body = strings.TrimSpace(body + " " + attachmentText(*m.Attachment))
		}
		fmt.Fprintf(r.out, "%s  (%s)\n", body, m.ID)
	}
}

func attachmentText(a chat.Attachment) string {
	label := store.AttachmentLabel(a)
	if a.URL == "" {
		return label
	}
	return label + " " + a.URL
}

func (r *repl) printTyping(id string) {
	typers := strings.Join(r.s.Typers(id), ", ")

	r.mu.Lock()
	defer r.mu.Unlock()
	if typers == r.typing {
		return
	}
	r.typing = typers
	if typers != "" {
		color.New(color.FgHiBlack).Fprintf(r.out, "%s typing...\n", typers)
	}
}

func (r *repl) printStatus(st connection.Status) {
	attr := color.FgGreen
	switch st.State {
	case connection.Reconnecting, connection.Connecting:
		attr = color.FgYellow
	case connection.Failed, connection.Disconnected:
		attr = color.FgRed
	}
	msg := "stream " + st.State.String()
	if st.Attempt > 0 {
		msg += fmt.Sprintf(" (attempt %d)", st.Attempt)
	}
	if st.Err != nil {
		msg += ": " + st.Err.Error()
	}
	r.printf(attr, "[%s]\n", msg)
}

func (r *repl) printf(attr color.Attribute, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	color.New(attr).Fprintf(r.out, format, args...)
}
