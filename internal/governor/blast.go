package governor

import (
	"strings"
	"sync"
	"time"
)

const (
	// blastWindow bounds the broadcast log.
	blastWindow = 10 * time.Minute

	// blastThreshold is the number of distinct recipients that turns
	// identical text into a blast.
	blastThreshold = 8
)

type broadcastRecord struct {
	at        time.Time
	sessionID string
	text      string // trimmed, case-sensitive
	recipient string
}

// BlastDetector keeps a time-bounded append-only log of sent texts and
// flags identical text fanned out to many distinct recipients from the same
// session. Insertion order is monotonic, so pruning pops from the front.
type BlastDetector struct {
	mu      sync.Mutex
	records []broadcastRecord
}

// NewBlastDetector creates an empty detector.
func NewBlastDetector() *BlastDetector {
	return &BlastDetector{}
}

// Register appends a successful send to the log.
func (b *BlastDetector) Register(sessionID, text, recipient string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)
	b.records = append(b.records, broadcastRecord{
		at:        now,
		sessionID: sessionID,
		text:      strings.TrimSpace(text),
		recipient: recipient,
	})
}

// IsBlast reports whether the trimmed text already reached the distinct
// recipient threshold for this session inside the window.
func (b *BlastDetector) IsBlast(sessionID, text string, now time.Time) bool {
	norm := strings.TrimSpace(text)
	if norm == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(now)

	recipients := make(map[string]struct{})
	for _, r := range b.records {
		if r.sessionID == sessionID && r.text == norm {
			recipients[r.recipient] = struct{}{}
		}
	}
	return len(recipients) >= blastThreshold
}

// Size returns the current log length, for introspection.
func (b *BlastDetector) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *BlastDetector) pruneLocked(now time.Time) {
	cutoff := now.Add(-blastWindow)
	i := 0
	for i < len(b.records) && b.records[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.records = b.records[i:]
	}
}
