package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ytnobody/rolerelay/internal/fsutil"
	"github.com/ytnobody/rolerelay/internal/logger"
)

// FileQueue stores one YAML file per message:
//
//	<root>/from_<role>/<id>.yaml        outbox
//	<root>/to_<role>/<id>.yaml          inbox
//	<root>/archive/<timestamp>_<id>.yaml
//
// Files in an outbox that cannot be parsed are moved to <root>/invalid/.
type FileQueue struct {
	root string
}

func NewFileQueue(root string) (*FileQueue, error) {
	for _, d := range []string{root, filepath.Join(root, "archive")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create mailbox dir: %w", err)
		}
	}
	return &FileQueue{root: root}, nil
}

// OutboxDir is the directory role writes outgoing messages into.
func (q *FileQueue) OutboxDir(role string) string {
	return filepath.Join(q.root, "from_"+role)
}

// InboxDir is the directory the router delivers role's messages into.
func (q *FileQueue) InboxDir(role string) string {
	return filepath.Join(q.root, "to_"+role)
}

func (q *FileQueue) Post(m Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := fsutil.WriteYAML(filepath.Join(q.OutboxDir(m.From), m.ID+".yaml"), m); err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return nil
}

func (q *FileQueue) Outbound() ([]Message, error) {
	dirs, err := filepath.Glob(filepath.Join(q.root, "from_*"))
	if err != nil {
		return nil, fmt.Errorf("list outboxes: %w", err)
	}
	var out []Message
	for _, dir := range dirs {
		role := strings.TrimPrefix(filepath.Base(dir), "from_")
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("read outbox %s: %w", role, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isMessageFile(e.Name()) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			m, err := readMessage(path, role)
			if err == nil {
				err = m.Validate()
			}
			if err != nil {
				q.quarantine(path, err)
				continue
			}
			out = append(out, m)
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (q *FileQueue) Deliver(m Message) error {
	if err := fsutil.WriteYAML(filepath.Join(q.InboxDir(m.To), m.ID+".yaml"), m); err != nil {
		return fmt.Errorf("deliver %s to %s: %w", m.ID, m.To, err)
	}
	return nil
}

func (q *FileQueue) Archive(m Message) error {
	src := m.file
	if src == "" {
		src = filepath.Join(q.OutboxDir(m.From), m.ID+".yaml")
	}
	dst := filepath.Join(q.root, "archive", m.archiveName()+".yaml")
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, statErr := os.Stat(dst); statErr == nil {
				return nil
			}
		}
		return fmt.Errorf("archive %s: %w", m.ID, err)
	}
	return nil
}

func (q *FileQueue) Inbox(role string) ([]Message, error) {
	return q.readDir(q.InboxDir(role), role)
}

func (q *FileQueue) History(limit int) ([]Message, error) {
	dir := filepath.Join(q.root, "archive")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isMessageFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	out := make([]Message, 0, len(names))
	for _, name := range names {
		m, err := readMessage(filepath.Join(dir, name), "")
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (q *FileQueue) Close() error { return nil }

func (q *FileQueue) readDir(dir, role string) ([]Message, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []Message
	for _, e := range entries {
		if e.IsDir() || !isMessageFile(e.Name()) {
			continue
		}
		m, err := readMessage(filepath.Join(dir, e.Name()), "")
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sortOldestFirst(out)
	return out, nil
}

func (q *FileQueue) quarantine(path string, reason error) {
	log := logger.For("mailbox")
	dir := filepath.Join(q.root, "invalid")
	if err := os.MkdirAll(dir, 0755); err == nil {
		err = os.Rename(path, filepath.Join(dir, filepath.Base(filepath.Dir(path))+"_"+filepath.Base(path)))
		if err == nil {
			log.Warn().Err(reason).Str("file", path).Msg("malformed message quarantined")
			return
		}
	}
	log.Warn().Err(reason).Str("file", path).Msg("malformed message left in place")
}

func readMessage(path, fallbackFrom string) (Message, error) {
	var m Message
	if err := fsutil.ReadYAML(path, &m); err != nil {
		return Message{}, fmt.Errorf("read message %s: %w", filepath.Base(path), err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Message{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	m.normalize(stem, fallbackFrom, info.ModTime().UTC())
	m.file = path
	return m, nil
}

func isMessageFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
