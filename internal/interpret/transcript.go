package interpret

import (
	"sync"

	"github.com/ashureev/stella/internal/oracle"
)

const defaultHistoryTurns = 20

// transcript is a fixed-size ring of conversation turns. When full, the
// oldest turn is overwritten.
type transcript struct {
	buf  []oracle.Turn
	head int // write position
	full bool
}

func newTranscript(size int) *transcript {
	return &transcript{buf: make([]oracle.Turn, size)}
}

func (t *transcript) add(turn oracle.Turn) {
	t.buf[t.head] = turn
	t.head = (t.head + 1) % len(t.buf)
	if t.head == 0 {
		t.full = true
	}
}

// turns returns the turns oldest first.
func (t *transcript) turns() []oracle.Turn {
	if !t.full {
		return append([]oracle.Turn(nil), t.buf[:t.head]...)
	}
	out := make([]oracle.Turn, 0, len(t.buf))
	out = append(out, t.buf[t.head:]...)
	return append(out, t.buf[:t.head]...)
}

// Transcripts keeps one bounded transcript per session key.
type Transcripts struct {
	mu    sync.Mutex
	size  int
	rings map[string]*transcript
}

// NewTranscripts creates a store keeping at most size turns per session.
func NewTranscripts(size int) *Transcripts {
	if size <= 0 {
		size = defaultHistoryTurns
	}
	return &Transcripts{size: size, rings: make(map[string]*transcript)}
}

// Append records turns for key.
func (ts *Transcripts) Append(key string, turns ...oracle.Turn) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	r, ok := ts.rings[key]
	if !ok {
		r = newTranscript(ts.size)
		ts.rings[key] = r
	}
	for _, t := range turns {
		r.add(t)
	}
}

// History returns a copy of key's transcript, oldest first.
func (ts *Transcripts) History(key string) []oracle.Turn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	r, ok := ts.rings[key]
	if !ok {
		return nil
	}
	return r.turns()
}

// Release drops key's transcript.
func (ts *Transcripts) Release(key string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.rings, key)
}

// Len returns the number of sessions with a transcript.
func (ts *Transcripts) Len() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.rings)
}
