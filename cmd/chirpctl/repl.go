package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/ent0n29/chirpchat/internal/chat"
	"github.com/ent0n29/chirpchat/internal/protocol"
	"github.com/ent0n29/chirpchat/internal/store"
)

var (
	userLabel      = color.New(color.FgGreen, color.Bold).SprintFunc()
	assistantLabel = color.New(color.FgCyan, color.Bold).SprintFunc()
	noticeText     = color.New(color.FgYellow).SprintFunc()
	errorText      = color.New(color.FgRed).SprintFunc()
)

// syncWriter serializes writes from the input loop and the generation
// goroutines.
type syncWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.out.Write(p)
}

// draftPrinter renders the streaming draft incrementally. When filtering
// rewrites text that is already on screen the line is redrawn.
type draftPrinter struct {
	out     io.Writer
	session *chat.Session

	mu      sync.Mutex
	printed string
}

func (p *draftPrinter) DraftUpdated(draft string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.HasPrefix(draft, p.printed) {
		fmt.Fprint(p.out, draft[len(p.printed):])
	} else {
		fmt.Fprint(p.out, "\r\033[K"+assistantLabel("Assistant: ")+draft)
	}
	p.printed = draft
}

func (p *draftPrinter) StateChanged(state chat.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch state {
	case chat.StateSending:
		p.printed = ""
		fmt.Fprint(p.out, assistantLabel("Assistant: "))
	case chat.StateDone:
		fmt.Fprintln(p.out)
	case chat.StateCancelled:
		fmt.Fprintln(p.out, noticeText(" [stopped]"))
	case chat.StateError:
		msg := "request failed"
		if e := p.session.Error(); e != nil {
			msg = e.Message
		}
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, errorText("error: "+msg))
	}
}

func (p *draftPrinter) LoadingChanged(bool) {}

// repl drives one interactive conversation. Lines are read on a separate
// goroutine so /stop and interrupts work while a reply streams.
type repl struct {
	ctrl    *chat.Controller
	session *chat.Session
	kv      store.Store
	out     io.Writer

	wg sync.WaitGroup
}

func newREPL(ctrl *chat.Controller, kv store.Store, out io.Writer) *repl {
	return &repl{ctrl: ctrl, session: ctrl.Session(), kv: kv, out: out}
}

// run reads commands from in until /quit or end of input. An interrupt stops
// the active generation, or quits when nothing is streaming.
func (r *repl) run(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(r.out, noticeText("Type a message. Commands: /retry /stop /clear /system <role> /history /quit"))
	r.prompt()
	for {
		select {
		case <-ctx.Done():
			r.ctrl.Stop()
			r.wait()
			return ctx.Err()
		case <-interrupts:
			if !r.ctrl.Active() {
				r.ctrl.Stop()
				return nil
			}
			r.ctrl.Stop()
		case line, ok := <-lines:
			if !ok {
				// Piped input: let the last reply finish.
				r.wait()
				return nil
			}
			if quit := r.handleLine(ctx, line); quit {
				r.ctrl.Stop()
				r.wait()
				return nil
			}
		}
	}
}

func (r *repl) prompt() {
	fmt.Fprint(r.out, userLabel("You: "))
}

// wait blocks until every generation started by the repl has finished.
func (r *repl) wait() { r.wg.Wait() }

func (r *repl) generate(fn func() error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := fn(); err != nil {
			fmt.Fprintln(r.out, errorText("error: "+err.Error()))
		}
		r.prompt()
	}()
}

// handleLine runs one input line and reports whether the repl should quit.
func (r *repl) handleLine(ctx context.Context, line string) bool {
	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "/") {
		if text == "" {
			r.prompt()
			return false
		}
		r.generate(func() error { return r.ctrl.Submit(ctx, line) })
		return false
	}

	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/stop":
		r.ctrl.Stop()
	case "/retry":
		r.generate(func() error { return r.ctrl.Retry(ctx) })
		return false
	case "/clear":
		r.ctrl.Clear()
		fmt.Fprintln(r.out, noticeText("conversation cleared"))
	case "/system":
		switch {
		case arg == "":
			fmt.Fprintln(r.out, noticeText("system role: "+displayRole(r.session.SystemRole())))
		case r.session.SetSystemRole(arg):
			if err := r.session.Snapshot(ctx, r.kv); err != nil {
				fmt.Fprintln(r.out, errorText("save system role: "+err.Error()))
				break
			}
			fmt.Fprintln(r.out, noticeText("system role set"))
		default:
			fmt.Fprintln(r.out, errorText("the system role can only be changed before the first message; /clear first"))
		}
	case "/history":
		printHistory(r.out, r.session.Turns())
	default:
		fmt.Fprintln(r.out, errorText("unknown command "+cmd))
	}
	r.prompt()
	return false
}

func displayRole(role string) string {
	if role == "" {
		return "(default)"
	}
	return role
}

func printHistory(out io.Writer, turns []chat.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(out, noticeText("(no messages)"))
		return
	}
	for _, t := range turns {
		label := userLabel("You: ")
		if t.Role != protocol.RoleUser {
			label = assistantLabel("Assistant: ")
		}
		fmt.Fprintln(out, label+t.Content)
	}
}
