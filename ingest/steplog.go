package ingest

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/gwas/encoding/sumstats"
	"github.com/pkg/errors"
)

// StepLog is the user-facing audit trail of a run.  Each step's lines are
// collected by a Step and appended as one block when the step ends, so
// steps running concurrently never interleave.
type StepLog struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// OpenStepLog opens path for appending, creating it if needed.
func OpenStepLog(path string) (*StepLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open step log %s", path)
	}
	return &StepLog{f: f, now: time.Now}, nil
}

func (l *StepLog) timestamp() string {
	return l.now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

func (l *StepLog) write(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.WriteString(s); err != nil {
		log.Error.Printf("step log %s: %v", l.f.Name(), err)
	}
}

// Step accumulates the lines of one step.  It is not threadsafe; a step's
// lines come from the goroutine running it.
type Step struct {
	l   *StepLog
	buf strings.Builder
}

// Start begins a step.  Nothing is written until Success or Failure.
func (l *StepLog) Start(title string) *Step {
	s := &Step{l: l}
	fmt.Fprintf(&s.buf, "[ingest][%s] Performing upload step: %s\n", l.timestamp(), title)
	return s
}

// Excluded records a row the parser skipped.
func (s *Step) Excluded(b sumstats.BadLine) {
	fmt.Fprintf(&s.buf, "Excluded row %d from output due to parse error: %s\n", b.Line, b.Reason)
}

// Note records a free-form line.
func (s *Step) Note(msg string) {
	s.buf.WriteString(msg)
	s.buf.WriteByte('\n')
}

// Success ends the step and appends its lines to the log.
func (s *Step) Success() {
	fmt.Fprintf(&s.buf, "[success][%s] Step completed\n", s.l.timestamp())
	s.l.write(s.buf.String())
}

// Failure ends the step with err as its reason and appends its lines to the
// log.
func (s *Step) Failure(err error) {
	fmt.Fprintf(&s.buf, "[failure][%s] An error prevented this step from completing\n%v\n", s.l.timestamp(), err)
	s.l.write(s.buf.String())
}

// Close closes the underlying file.
func (l *StepLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
