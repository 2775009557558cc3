package util

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer captures log output into a bounded in-memory scrollback and
// fans entries out to subscribers. Install it with log.SetOutput (or an
// io.MultiWriter when stderr should still see everything).
type LogBuffer struct {
	mu      sync.Mutex
	entries *RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer for log.SetOutput/io.MultiWriter.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := string(data[:i])
		b.partial.Next(i + 1)

		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := LogEntry{TS: time.Now(), Msg: line}
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
