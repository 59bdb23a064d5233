// Package opslog keeps the bounded operational log of a receiver: the short
// human readable notices an operator console shows next to its state.
package opslog

import (
	"fmt"
	"sync"
	"time"
)

// Level of an operational notice.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DefaultSize is the number of notices kept per receiver.
const DefaultSize = 100

// Entry is one notice.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
}

// Keeper is a fixed size ring of entries. Oldest entries are dropped first.
type Keeper struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	filled  int
	now     func() time.Time
}

// NewKeeper returns a keeper holding up to size entries.
func NewKeeper(size int) *Keeper {
	if size <= 0 {
		size = DefaultSize
	}
	return &Keeper{entries: make([]Entry, size), now: time.Now}
}

func (k *Keeper) Add(level Level, msg string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries[k.next] = Entry{Time: k.now(), Level: level, Message: msg}
	k.next = (k.next + 1) % len(k.entries)
	if k.filled < len(k.entries) {
		k.filled++
	}
}

func (k *Keeper) Info(format string, args ...any) { k.Add(LevelInfo, fmt.Sprintf(format, args...)) }
func (k *Keeper) Warn(format string, args ...any) { k.Add(LevelWarn, fmt.Sprintf(format, args...)) }

func (k *Keeper) Error(format string, args ...any) {
	k.Add(LevelError, fmt.Sprintf(format, args...))
}

// Entries returns the kept notices, oldest first.
func (k *Keeper) Entries() []Entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]Entry, k.filled)
	for i := 0; i < k.filled; i++ {
		idx := k.next - k.filled + i
		if idx < 0 {
			idx += len(k.entries)
		}
		out[i] = k.entries[idx]
	}
	return out
}

func (k *Keeper) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.filled
}

// Last returns the newest entry.
func (k *Keeper) Last() (Entry, bool) {
	entries := k.Entries()
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}
