// Package resumelog makes temporary redirections of an external mapping
// crash safe. The original value of every redirected target is written to a
// durable record before the redirection happens; the next session start
// replays the record to restore them.
package resumelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/openmined/vaultsync/internal/utils"
)

// Mapping is an externally owned key/value mapping. An empty value means the
// target is unmapped.
type Mapping interface {
	Get(ctx context.Context, target string) (string, error)
	Set(ctx context.Context, target, value string) error
}

// Compensation restores Target to Original.
type Compensation struct {
	Target   string `json:"target"`
	Original string `json:"original"`
}

// Record is the durable resume state of one session.
type Record struct {
	Session       string         `json:"session"`
	Created       time.Time      `json:"created"`
	Compensations []Compensation `json:"compensations"`
}

func (r *Record) has(target string) bool {
	for _, c := range r.Compensations {
		if c.Target == target {
			return true
		}
	}
	return false
}

type Log struct {
	path    string
	session string
	lock    *flock.Flock
	mu      sync.Mutex
}

func New(path, session string) *Log {
	return &Log{
		path:    path,
		session: session,
		lock:    flock.New(path + ".lock"),
	}
}

func (l *Log) Path() string {
	return l.path
}

// Replay restores every recorded original and removes the record. Targets
// that fail to restore stay in the record for the next attempt.
func (l *Log) Replay(ctx context.Context, m Mapping) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.acquire(); err != nil {
		return 0, err
	}
	defer l.lock.Unlock()

	rec, err := l.read()
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}

	var failed []Compensation
	var errs []error
	restored := 0
	for _, c := range rec.Compensations {
		if err := m.Set(ctx, c.Target, c.Original); err != nil {
			failed = append(failed, c)
			errs = append(errs, fmt.Errorf("restore %s: %w", c.Target, err))
			continue
		}
		restored++
		slog.Info("resume log restored mapping", "target", c.Target, "session", rec.Session)
	}

	if len(failed) > 0 {
		rec.Compensations = failed
		if err := l.write(rec); err != nil {
			errs = append(errs, err)
		}
		return restored, errors.Join(errs...)
	}

	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return restored, fmt.Errorf("remove resume record: %w", err)
	}
	return restored, nil
}

// Pending returns the compensations currently recorded.
func (l *Log) Pending() ([]Compensation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, err := l.read()
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Compensations, nil
}

// Redirect points target at value. The original value is recorded first;
// a target already in the record keeps its first recorded original.
func (l *Log) Redirect(ctx context.Context, m Mapping, target, value string) (*Redirection, error) {
	previous, err := m.Get(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("read mapping %s: %w", target, err)
	}

	if err := l.remember(target, previous); err != nil {
		return nil, err
	}

	if err := m.Set(ctx, target, value); err != nil {
		return nil, fmt.Errorf("redirect %s: %w", target, err)
	}
	slog.Debug("mapping redirected", "target", target, "to", value)
	return &Redirection{mapping: m, target: target, previous: previous}, nil
}

func (l *Log) remember(target, original string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.acquire(); err != nil {
		return err
	}
	defer l.lock.Unlock()

	rec, err := l.read()
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{Session: l.session, Created: time.Now().UTC()}
	}
	if rec.has(target) {
		return nil
	}
	rec.Compensations = append(rec.Compensations, Compensation{Target: target, Original: original})
	return l.write(rec)
}

func (l *Log) acquire() error {
	if err := utils.EnsureParent(l.path); err != nil {
		return err
	}
	if err := l.lock.Lock(); err != nil {
		return fmt.Errorf("lock resume record: %w", err)
	}
	return nil
}

func (l *Log) read() (*Record, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read resume record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse resume record %s: %w", l.path, err)
	}
	return &rec, nil
}

func (l *Log) write(rec *Record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write resume record: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// Redirection is a scoped redirection. Release puts back the value the target
// had before; if Release never runs the resume record covers it.
type Redirection struct {
	mapping  Mapping
	target   string
	previous string
	once     sync.Once
	err      error
}

func (r *Redirection) Target() string {
	return r.target
}

// Release is safe to call more than once.
func (r *Redirection) Release(ctx context.Context) error {
	r.once.Do(func() {
		r.err = r.mapping.Set(ctx, r.target, r.previous)
	})
	return r.err
}
