package history

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is the flat-file history backend. Each private conversation
// and each group gets its own append-only text file under the store
// directory.
type FileStore struct {
	dir string
	now func() time.Time

	// mu serializes appends so concurrent writers cannot interleave
	// partial lines. History writes are off the latency-sensitive path.
	mu sync.Mutex
}

// NewFileStore creates the history directory if needed and returns a store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	return &FileStore{
		dir: dir,
		now: func() time.Time { return time.Now() },
	}, nil
}

// Close is a no-op for FileStore; files are opened per append.
func (s *FileStore) Close() error { return nil }

// SavePrivateMessage appends a private message line to the conversation file.
func (s *FileStore) SavePrivateMessage(from, to, content string) error {
	line := PrivateLine(s.now(), from, to, content)
	return s.append(s.privateFile(from, to), line)
}

// PrivateHistory returns the stored lines for a private conversation, in
// append order. A conversation with no history yields an empty slice.
func (s *FileStore) PrivateHistory(user1, user2 string) ([]string, error) {
	return s.readLines(s.privateFile(user1, user2))
}

// SaveGroupMessage appends a group message line to the group file.
func (s *FileStore) SaveGroupMessage(from, group, content string) error {
	line := GroupLine(s.now(), from, group, content)
	return s.append(s.groupFile(group), line)
}

// GroupHistory returns the stored lines for a group, in append order.
func (s *FileStore) GroupHistory(group string) ([]string, error) {
	return s.readLines(s.groupFile(group))
}

// SaveAudioMessage records a private voice note as a reference line.
func (s *FileStore) SaveAudioMessage(from, to, audioID string) error {
	return s.SavePrivateMessage(from, to, AudioRef(audioID))
}

// SaveGroupAudioMessage records a group voice note as a reference line.
func (s *FileStore) SaveGroupAudioMessage(from, group, audioID string) error {
	return s.SaveGroupMessage(from, group, AudioRef(audioID))
}

func (s *FileStore) privateFile(user1, user2 string) string {
	return filepath.Join(s.dir, "private_"+conversationKey(user1, user2)+".txt")
}

func (s *FileStore) groupFile(group string) string {
	return filepath.Join(s.dir, "group_"+group+".txt")
}

func (s *FileStore) append(path, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640) //nolint:gosec // names validated upstream
	if err != nil {
		return fmt.Errorf("history: open %s: %w", filepath.Base(path), err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("history: append %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("history: close %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) readLines(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // names validated upstream
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("history: open %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("history: read %s: %w", filepath.Base(path), err)
	}
	return lines, nil
}
