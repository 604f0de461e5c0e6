// Package driver provides an execution driver that replays a recorded step
// script, standing in for a live device-control client.
package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nadmax/taskrec/internal/logger"
	"github.com/nadmax/taskrec/internal/task"
)

// Sink receives what the driver produces.
type Sink interface {
	OnStepCompleted(ctx context.Context, e task.StepEvent)
	OnTaskCompleted(ctx context.Context, success bool, errMsg string)
}

// ScriptStep is one line of a step script. A non-empty Abort ends the task as
// failed right after the step is reported.
type ScriptStep struct {
	task.StepEvent
	Abort string `json:"abort,omitempty"`
}

var ErrAlreadyStarted = errors.New("driver: already started")

type Scripted struct {
	id       string
	steps    []ScriptStep
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	halted  chan struct{}
}

func NewScripted(id string, steps []ScriptStep, log *logger.Logger) *Scripted {
	if log == nil {
		log = logger.NewNop()
	}

	return &Scripted{
		id:       id,
		steps:    steps,
		interval: 500 * time.Millisecond,
		log:      log.Named("driver").With("driver_id", id),
		stop:     make(chan struct{}),
		halted:   make(chan struct{}),
	}
}

func (d *Scripted) SetInterval(interval time.Duration) {
	d.interval = interval
}

// Run starts replaying the script into sink on a new goroutine.
func (d *Scripted) Run(ctx context.Context, sink Sink) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.mu.Unlock()

	go d.loop(ctx, sink)
	return nil
}

// Halt asks the loop to stop and returns a channel that is closed once no
// further events will be produced.
func (d *Scripted) Halt() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.stopped {
		d.stopped = true
		close(d.stop)
	}
	if !d.started {
		d.started = true
		close(d.halted)
	}
	return d.halted
}

func (d *Scripted) loop(ctx context.Context, sink Sink) {
	defer close(d.halted)

	d.log.Infow("driver_started", "steps", len(d.steps))

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for i, step := range d.steps {
		select {
		case <-d.stop:
			d.log.Infow("driver_halted", "emitted", i)
			return
		case <-ctx.Done():
			d.log.Warnw("driver_cancelled", "emitted", i, "error", ctx.Err())
			return
		case <-timer.C:
		}

		sink.OnStepCompleted(ctx, step.StepEvent)

		if step.Abort != "" {
			d.log.Warnw("driver_task_aborted", "step", i+1, "reason", step.Abort)
			sink.OnTaskCompleted(ctx, false, step.Abort)
			return
		}

		timer.Reset(d.interval)
	}

	select {
	case <-d.stop:
		d.log.Infow("driver_halted", "emitted", len(d.steps))
		return
	default:
	}

	d.log.Infow("driver_finished", "emitted", len(d.steps))
	sink.OnTaskCompleted(ctx, true, "")
}

// LoadScript reads one JSON step per line. Blank lines and lines starting
// with # are ignored.
func LoadScript(r io.Reader) ([]ScriptStep, error) {
	var steps []ScriptStep

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var s ScriptStep
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, fmt.Errorf("script line %d: %w", lineNo, err)
		}
		steps = append(steps, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	return steps, nil
}

func LoadScriptFile(path string) ([]ScriptStep, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open script: %w", err)
	}
	defer func() { _ = f.Close() }()

	return LoadScript(f)
}
