package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// stdioTransport is the reference delivery transport: replies go out as
// JSON lines and render artifacts land in an outbox directory with their
// paths in the emitted line. Real social-API transports live in the host
// integration, not here.
type stdioTransport struct {
	mu     sync.Mutex
	out    io.Writer
	outbox string
}

type outboundLine struct {
	Type    string `json:"type"`
	PeerID  int64  `json:"peer_id"`
	Text    string `json:"text,omitempty"`
	Caption string `json:"caption,omitempty"`
	Image   string `json:"image,omitempty"`
	Doc     string `json:"document,omitempty"`
}

func newStdioTransport(out io.Writer, outbox string) *stdioTransport {
	return &stdioTransport{out: out, outbox: outbox}
}

func (t *stdioTransport) emit(line outboundLine) error {
	encoded, err := fastJSONMarshal(line)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err = fmt.Fprintf(t.out, "%s\n", encoded)
	return err
}

func (t *stdioTransport) Reply(ev inboundEvent, text string) error {
	return t.emit(outboundLine{Type: "reply", PeerID: ev.PeerID, Text: text})
}

func (t *stdioTransport) ReplyRender(ev inboundEvent, png, pdf []byte, caption string) error {
	if err := os.MkdirAll(t.outbox, 0o755); err != nil {
		return err
	}
	name := uuid.NewString()
	line := outboundLine{Type: "render", PeerID: ev.PeerID, Caption: caption}

	line.Image = filepath.Join(t.outbox, name+".png")
	if err := os.WriteFile(line.Image, png, 0o644); err != nil {
		return err
	}
	if len(pdf) > 0 {
		line.Doc = filepath.Join(t.outbox, name+".pdf")
		if err := os.WriteFile(line.Doc, pdf, 0o644); err != nil {
			return err
		}
	}
	return t.emit(line)
}
