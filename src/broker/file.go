package broker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
)

const maxLineBytes = 1 << 20

// FileSummary counts outcomes of a replayed file.
type FileSummary struct {
	Lines       int   `json:"lines"`
	Acked       int   `json:"acked"`
	Nacked      int   `json:"nacked"`
	NackedLines []int `json:"nacked_lines,omitempty"`
}

// FileSource replays newline-delimited JSON payloads, one message per
// non-blank line. Nacked lines are recorded, not redelivered.
type FileSource struct {
	open func() (io.ReadCloser, error)

	mu      sync.Mutex
	summary FileSummary
}

func NewFileSource(path string) *FileSource {
	return &FileSource{open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

func NewReaderSource(r io.Reader) *FileSource {
	return &FileSource{open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil }}
}

func (s *FileSource) Receive(ctx context.Context, out chan<- *Message) error {
	rc, err := s.open()
	if err != nil {
		return fmt.Errorf("open replay input: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var sent []*Message
	defer func() {
		for _, msg := range sent {
			<-msg.Done()
		}
	}()

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)
		msg := s.newMessage(lineNo, data)

		select {
		case out <- msg:
			sent = append(sent, msg)
		case <-ctx.Done():
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read replay input at line %d: %w", lineNo+1, err)
	}
	return nil
}

func (s *FileSource) newMessage(lineNo int, data []byte) *Message {
	s.mu.Lock()
	s.summary.Lines++
	s.mu.Unlock()

	return NewMessage(uuid.NewString(), data, 1,
		func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.summary.Acked++
		},
		func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.summary.Nacked++
			s.summary.NackedLines = append(s.summary.NackedLines, lineNo)
		},
	)
}

// Summary returns a copy of the counts so far, nacked lines ascending.
func (s *FileSource) Summary() FileSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary := s.summary
	summary.NackedLines = append([]int(nil), s.summary.NackedLines...)
	sort.Ints(summary.NackedLines)
	return summary
}
