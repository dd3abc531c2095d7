package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Logbook appends audit lines to a plain text file, one event per line:
//
//	2024-01-01T00:00:00Z INFO  defect.logged D-001 actor=ann {"severity":"minor"}
type Logbook struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

func NewLogbook(path string) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Logbook{path: path, now: time.Now}, nil
}

func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Logbook) Info(_ context.Context, evtType, entityID, actorID string, payload EventPayload) {
	l.append(LevelInfo, evtType, entityID, actorID, encodePayload(payload))
}

func (l *Logbook) Error(_ context.Context, evtType, entityID, actorID string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.append(LevelError, evtType, entityID, actorID, msg)
}

func (l *Logbook) append(level Level, evtType, entityID, actorID, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entityID == "" {
		entityID = "-"
	}
	line := fmt.Sprintf("%s %-5s %s %s actor=%s %s\n",
		l.now().UTC().Format(time.RFC3339),
		string(level),
		evtType,
		entityID,
		actorID,
		strings.TrimSpace(message),
	)
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("events: open logbook %s: %v", l.path, err)
		return
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		log.Printf("events: write logbook %s: %v", l.path, err)
	}
}

// Tail returns up to maxLines of the most recent entries, oldest first.
func (l *Logbook) Tail(maxLines int) []string {
	if l == nil || maxLines <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > maxLines {
			lines = lines[1:]
		}
	}
	return lines
}

func encodePayload(p EventPayload) string {
	if len(p) == 0 {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	return string(b)
}
