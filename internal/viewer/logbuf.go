package viewer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/lovelink/internal/util"
)

// LogEntry is one captured log line. Level and Logger are filled when the
// line has go-log's plaintext layout (ts, level, logger, caller, message).
type LogEntry struct {
	Seq    uint64    `json:"seq"`
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3, "dpanic": 4, "panic": 5, "fatal": 6}

// LogBuffer keeps the node's recent log lines for the viewer.
type LogBuffer struct {
	mu      sync.Mutex
	seq     uint64
	entries *util.RingBuffer[LogEntry]
	subs    map[chan LogEntry]struct{}
	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write splits p into lines. A trailing partial line waits for the next call.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)
	for {
		line, err := b.partial.ReadString('\n')
		if err != nil {
			// no newline yet; put the fragment back
			b.partial.Reset()
			b.partial.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		b.seq++
		e := parseLine(line)
		e.Seq = b.seq
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	lvl := strings.ToLower(parts[1])
	if _, ok := levelRank[lvl]; !ok {
		return e
	}
	if ts, err := time.Parse(time.RFC3339Nano, parts[0]); err == nil {
		e.TS = ts
	}
	e.Level, e.Logger = lvl, parts[2]
	e.Msg = parts[len(parts)-1]
	return e
}

// Capture tees every go-log line into the buffer until stop is called.
func (b *LogBuffer) Capture() (stop func()) {
	pr := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go func() {
		_, _ = io.Copy(b, pr)
	}()
	return func() { _ = pr.Close() }
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Subscribe returns buffered entries after since and a channel of new ones.
func (b *LogBuffer) Subscribe(since uint64) (backlog []LogEntry, ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	backlog = b.entries.Filter(func(e LogEntry) bool { return e.Seq > since })
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
	return backlog, ch, cancel
}

// minLevel reads ?level=; unparsed lines always pass.
func minLevel(r *http.Request) (func(LogEntry) bool, error) {
	v := strings.ToLower(r.URL.Query().Get("level"))
	if v == "" {
		return func(LogEntry) bool { return true }, nil
	}
	floor, ok := levelRank[v]
	if !ok {
		return nil, fmt.Errorf("unknown level %q", v)
	}
	return func(e LogEntry) bool {
		return e.Level == "" || levelRank[e.Level] >= floor
	}, nil
}

// GET /api/logs[?limit=n][&level=warn]
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep, err := minLevel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := -1
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	out := b.entries.Filter(keep)
	if limit >= 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	if out == nil {
		out = []LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// GET /api/logs/stream (Server-Sent Events). Tail only, unless the browser
// reconnects with Last-Event-ID, in which case missed entries are replayed.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	keep, err := minLevel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	since, replay := uint64(0), false
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			since, replay = n, true
		}
	}
	backlog, ch, cancel := b.Subscribe(since)
	defer cancel()

	if replay {
		for _, e := range backlog {
			if keep(e) {
				writeSSE(w, e)
			}
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if keep(e) {
				writeSSE(w, e)
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w io.Writer, e LogEntry) {
	data, _ := json.Marshal(e)
	fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", e.Seq, data)
}
