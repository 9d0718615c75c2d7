package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"meshroom/internal/core/domain"
	"meshroom/internal/core/mesh"
)

// printer writes room activity to the terminal.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) printf(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) ParticipantJoined(m domain.Member) {
	p.printf("+ %s (%s) is here", m.DisplayName, m.Handle)
}

func (p *printer) ParticipantLeft(m domain.Member) {
	p.printf("- %s (%s) is gone", m.DisplayName, m.Handle)
}

func (p *printer) ChatReceived(msg domain.ChatMessage) {
	if msg.IsSystem {
		p.printf("* %s", msg.Text)
		return
	}
	p.printf("[%s] %s: %s", msg.SentAt.Format("15:04:05"), msg.DisplayName, msg.Text)
}

// ChatSent echoes our own message; the coordinator does not send it back.
func (p *printer) ChatSent(displayName, text string, at time.Time) {
	p.ChatReceived(domain.ChatMessage{DisplayName: displayName, Text: text, SentAt: at})
}

func (p *printer) LinkChanged(info mesh.LinkInfo) {
	if info.LastError != "" {
		p.printf("~ %s: %s (%s)", info.Remote, info.State, info.LastError)
		return
	}
	p.printf("~ %s: %s", info.Remote, info.State)
}

func (p *printer) Problem(err error) {
	p.printf("! %v", err)
}

func (p *printer) ServerError(code, message string) {
	p.printf("! server: %s: %s", code, message)
}
