package mailbox

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

var entryPattern = regexp.MustCompile(
	`^\[(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})\] \[@([^\]]+)\] ([^\s:(]+)\(([^)]*)\): (.*)$`,
)

const transcriptTime = "2006-01-02T15:04:05"

// Entry is one delivered message as recorded in the transcript.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	Type      string    `json:"type"`
	Body      string    `json:"body"`
	Raw       string    `json:"raw"`
}

// Involves reports whether role sent or received the entry.
func (e Entry) Involves(role string) bool {
	return e.Sender == role || e.Recipient == role
}

// Transcript is an append-only log of deliveries, one line per message:
//
//	[2026-01-02T15:04:05] [@recipient] sender(type): body
type Transcript struct {
	mu   sync.Mutex
	path string
}

func NewTranscript(path string) *Transcript {
	return &Transcript{path: path}
}

func (t *Transcript) Path() string { return t.path }

// ParseEntry parses a single transcript line.
func ParseEntry(line string) (Entry, error) {
	matches := entryPattern.FindStringSubmatch(strings.TrimSpace(line))
	if matches == nil {
		return Entry{}, fmt.Errorf("invalid transcript line: %s", line)
	}
	ts, err := time.Parse(transcriptTime, matches[1])
	if err != nil {
		return Entry{}, fmt.Errorf("parse timestamp: %w", err)
	}
	return Entry{
		Timestamp: ts,
		Recipient: matches[2],
		Sender:    matches[3],
		Type:      matches[4],
		Body:      matches[5],
		Raw:       line,
	}, nil
}

// FormatEntry renders m as a transcript line.
func FormatEntry(m Message, at time.Time) string {
	body := m.Subject
	if m.Content != "" {
		if body != "" {
			body += " - "
		}
		body += m.Content
	}
	body = strings.Join(strings.Fields(body), " ")
	return fmt.Sprintf("[%s] [@%s] %s(%s): %s", at.UTC().Format(transcriptTime), m.To, m.From, m.Type, body)
}

// Append records a delivered message.
func (t *Transcript) Append(m Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript for append: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, FormatEntry(m, time.Now())); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}

// Entries returns every entry accepted by keep (nil keeps all).
func (t *Transcript) Entries(keep func(Entry) bool) ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		e, err := ParseEntry(scanner.Text())
		if err != nil {
			continue
		}
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return out, nil
}

// Involving returns the raw lines sent or received by role.
func (t *Transcript) Involving(role string) ([]string, error) {
	entries, err := t.Entries(func(e Entry) bool { return e.Involves(role) })
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Raw
	}
	return lines, nil
}

// Tail returns the last n entries.
func (t *Transcript) Tail(n int) ([]Entry, error) {
	entries, err := t.Entries(nil)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Follow yields entries appended after the call until ctx is cancelled.
func (t *Transcript) Follow(ctx context.Context, interval time.Duration) <-chan Entry {
	ch := make(chan Entry, 16)
	go func() {
		defer close(ch)

		var offset int64
		if info, err := os.Stat(t.path); err == nil {
			offset = info.Size()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				entries, next, err := t.readFrom(offset)
				if err != nil {
					continue
				}
				offset = next
				for _, e := range entries {
					select {
					case ch <- e:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// Truncate keeps only the latest maxLines lines.
func (t *Transcript) Truncate(maxLines int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read transcript: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) <= maxLines {
		return nil
	}
	lines = lines[len(lines)-maxLines:]

	tmpPath := t.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return fmt.Errorf("write temp transcript: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename transcript: %w", err)
	}
	return nil
}

func (t *Transcript) readFrom(offset int64) ([]Entry, int64, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	// A shrunken file was truncated; skip to its end rather than replaying.
	if info.Size() < offset {
		return nil, info.Size(), nil
	}
	if info.Size() == offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}

	var out []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		e, err := ParseEntry(scanner.Text())
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, info.Size(), scanner.Err()
}
