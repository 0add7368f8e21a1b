package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Recorder keeps every message in memory. Used by dry runs and tests.
type Recorder struct {
	mu   sync.Mutex
	msgs []string
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Notify(_ context.Context, accountID int64, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, fmt.Sprintf("[%d] %s", accountID, fmt.Sprintf(format, args...)))
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

// Count returns how many messages contain substr.
func (r *Recorder) Count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if strings.Contains(m, substr) {
			n++
		}
	}
	return n
}
