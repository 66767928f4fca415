// Package ledger implements the append-only hash-chained forensic
// log. One line-delimited JSON entry per decision; each entry's hash
// covers its canonical serialization and the previous entry's hash,
// so an edited entry, or the removal of any entry but the last,
// breaks the chain.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chimera/internal/types"
	"chimera/internal/util"
)

// maxConsecutiveFailures trips the fatal-shutdown signal. Routing
// never hinges on logging, but a ledger that cannot write at all is a
// forensic outage the process must not survive silently.
const maxConsecutiveFailures = 10

// Ledger is the single-writer hash-chained log.
type Ledger struct {
	mu sync.Mutex

	file     *os.File
	w        *bufio.Writer
	lastHash string
	genesis  string
	logger   *zap.Logger

	pending  [][]byte // serialized lines awaiting retry
	failures int
	fatal    bool
}

// Open opens (or creates) the ledger file and restores the chain head
// from its last entry.
func Open(path, genesis string, logger *zap.Logger) (*Ledger, error) {
	last, err := readLastHash(path, genesis)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	return &Ledger{
		file:     f,
		w:        bufio.NewWriter(f),
		lastHash: last,
		genesis:  genesis,
		logger:   logger,
	}, nil
}

func readLastHash(path, genesis string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesis, nil
		}
		return "", fmt.Errorf("open ledger for replay: %w", err)
	}
	defer f.Close()

	last := genesis
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry types.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return "", fmt.Errorf("corrupt ledger line: %w", err)
		}
		last = entry.Hash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("replay ledger: %w", err)
	}
	return last, nil
}

// Append chains and writes one entry. The chain advances in memory
// even when the disk write fails; failed lines queue for retry on the
// next append so the on-disk order matches the chain order.
func (l *Ledger) Append(entry *types.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.EventID == "" {
		entry.EventID = "evt_" + uuid.New().String()[:8]
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entry.PrevHash = l.lastHash
	entry.Hash = ""

	hash, err := chainHash(entry, l.lastHash)
	if err != nil {
		return fmt.Errorf("hash ledger entry: %w", err)
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	l.lastHash = hash

	if err := l.flushLocked(line); err != nil {
		// A bufio.Writer keeps its first error forever; reset it so the
		// queued lines can be written on the next append.
		l.w.Reset(l.file)
		l.pending = append(l.pending, line)
		l.failures++
		if l.failures >= maxConsecutiveFailures {
			l.fatal = true
		}
		l.logger.Error("ledger write failed, queued for retry",
			zap.Int("pending", len(l.pending)),
			zap.Error(err),
		)
		return nil // the call completes; logging never blocks routing
	}

	l.failures = 0
	return nil
}

// flushLocked drains the retry queue, then writes line.
func (l *Ledger) flushLocked(line []byte) error {
	for len(l.pending) > 0 {
		if err := l.writeLine(l.pending[0]); err != nil {
			return err
		}
		l.pending = l.pending[1:]
	}
	return l.writeLine(line)
}

func (l *Ledger) writeLine(line []byte) error {
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	return l.w.Flush()
}

// Fatal reports whether repeated write failures have tripped the
// shutdown signal.
func (l *Ledger) Fatal() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fatal
}

// Pending returns the number of entries awaiting retry. Noted at
// shutdown.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// LastHash returns the current chain head.
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Close flushes and closes the file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.pending); n > 0 {
		l.logger.Warn("ledger closing with unflushed entries", zap.Int("pending", n))
	}
	if err := l.w.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// chainHash computes sha256(canonicalJSON(entry sans hash) || prev).
func chainHash(entry *types.LedgerEntry, prev string) (string, error) {
	canonical, err := util.CanonicalJSON(entry)
	if err != nil {
		return "", err
	}
	return util.HashBytes(append(canonical, []byte(prev)...)), nil
}

// Verify recomputes the chain in path and returns the entry count. A
// break reports the offending line number.
func Verify(path, genesis string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	prev := genesis
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		count++

		var entry types.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return count, fmt.Errorf("entry %d: corrupt: %w", count, err)
		}

		if entry.PrevHash != prev {
			return count, fmt.Errorf("entry %d: chain break: prev_hash mismatch", count)
		}

		stored := entry.Hash
		entry.Hash = ""
		computed, err := chainHash(&entry, prev)
		if err != nil {
			return count, fmt.Errorf("entry %d: %w", count, err)
		}
		if computed != stored {
			return count, fmt.Errorf("entry %d: chain break: hash mismatch", count)
		}
		prev = stored
	}
	if err := scanner.Err(); err != nil {
		return count, err
	}
	return count, nil
}
