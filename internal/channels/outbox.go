package channels

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Outbox is a file-backed channel: each send appends one JSON line to
// outbox/outbox-<destination>.jsonl under the home directory. It is the
// default channel for local installs without a messaging integration.
type Outbox struct {
	homeDir string
	mu      sync.Mutex
}

func NewOutbox(homeDir string) *Outbox {
	return &Outbox{homeDir: homeDir}
}

func (o *Outbox) Name() string { return "outbox" }

type outboxLine struct {
	Timestamp   string `json:"timestamp"`
	Destination string `json:"destination"`
	Content     string `json:"content"`
}

func (o *Outbox) Send(_ context.Context, destination, content string) error {
	line := outboxLine{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Destination: destination,
		Content:     content,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	dir := filepath.Join(o.homeDir, "outbox")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "outbox-"+sanitizeDestination(destination)+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// sanitizeDestination keeps destination-derived file names flat and portable.
func sanitizeDestination(dest string) string {
	if dest == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range dest {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
