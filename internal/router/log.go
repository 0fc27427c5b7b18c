package router

import (
	"sync"
	"time"

	"github.com/example/wallet-bridge/internal/protocol"
)

// DefaultLogCapacity bounds the message log.
const DefaultLogCapacity = 100

// Direction of a logged message.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// LogEntry records one routed message.
type LogEntry struct {
	Timestamp      time.Time     `json:"timestamp"`
	Type           string        `json:"type"`
	RequestID      string        `json:"requestId,omitempty"`
	Origin         string        `json:"origin"`
	Direction      string        `json:"direction"`
	Success        bool          `json:"success"`
	ErrorCode      protocol.Code `json:"errorCode,omitempty"`
	ProcessingTime time.Duration `json:"processingTime"`
}

// messageLog is a fixed size ring buffer; the oldest entry is overwritten.
type messageLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newMessageLog(capacity int) *messageLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &messageLog{entries: make([]LogEntry, capacity)}
}

func (l *messageLog) add(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns entries oldest first.
func (l *messageLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]LogEntry(nil), l.entries[:l.next]...)
	}
	out := make([]LogEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

func (l *messageLog) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = 0
	l.full = false
}

// Stats summarises the message log.
type Stats struct {
	Total         int                   `json:"total"`
	Failures      int                   `json:"failures"`
	ByType        map[string]int        `json:"byType"`
	ByErrorCode   map[protocol.Code]int `json:"byErrorCode"`
	AvgProcessing time.Duration         `json:"avgProcessing"`
}

func computeStats(entries []LogEntry) Stats {
	s := Stats{
		ByType:      make(map[string]int),
		ByErrorCode: make(map[protocol.Code]int),
	}
	var total time.Duration
	for _, e := range entries {
		s.Total++
		s.ByType[e.Type]++
		if !e.Success {
			s.Failures++
			if e.ErrorCode != "" {
				s.ByErrorCode[e.ErrorCode]++
			}
		}
		total += e.ProcessingTime
	}
	if s.Total > 0 {
		s.AvgProcessing = total / time.Duration(s.Total)
	}
	return s
}
