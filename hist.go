package cruncher

import (
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// HistState is the lifecycle state of a histogram trigger.
type HistState int

const (
	// HistStandby means the trigger exists but is paused and has never
	// accumulated data. New histograms start here so nothing is counted
	// before the caller is ready.
	HistStandby HistState = iota
	HistRunning
	HistStopped
	// HistCleared is the terminal state after Close tore the trigger
	// down.
	HistCleared
	// HistDetached means ownership was transferred out of this process;
	// the kernel instance stays alive when the controller goes away.
	HistDetached
)

func (s HistState) String() string {
	switch s {
	case HistStandby:
		return "standby"
	case HistRunning:
		return "running"
	case HistStopped:
		return "stopped"
	case HistCleared:
		return "cleared"
	case HistDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// HistConfig describes a kernel histogram: its key axes, the value fields
// accumulated per bucket, and the sort order of the report. Order matters
// for axes, weights and sort keys; it is reproduced in the trigger string.
type HistConfig struct {
	Name     string
	Axes     []string
	Weights  []string
	SortKeys []string

	// Descending selects the direction per sort key. Keys absent from
	// the map keep the kernel default.
	Descending map[string]bool
}

// Hist controls one kernel histogram trigger bound to one event in a
// dedicated trace instance.
type Hist struct {
	fs  *Tracefs
	log *zap.Logger

	event *TraceEvent
	inst  *Instance
	cfg   HistConfig

	state HistState
	// run state to restore when a detached controller is re-attached
	prev HistState
}

// CreateHist creates a new histogram in a fresh owned instance named
// "<name>_inst". The trigger is written and immediately paused, so the
// histogram starts on standby and accumulates nothing until Start.
func CreateHist(fs *Tracefs, event *TraceEvent, cfg HistConfig) (*Hist, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inst, err := fs.CreateInstance(cfg.Name + "_inst")
	if err != nil {
		return nil, fmt.Errorf("histogram %q: %w", cfg.Name, err)
	}

	h := &Hist{fs: fs, log: fs.log, event: event, inst: inst, cfg: cfg, state: HistStandby}
	if err := h.writeTrigger(h.spec()); err == nil {
		err = h.writeTrigger(h.spec() + ":pause")
	}
	if err != nil {
		// The instance was created for this histogram only; do not
		// leave it behind on a failed setup.
		if rmErr := fs.RemoveInstance(inst); rmErr != nil {
			h.log.Warn("leaking instance of failed histogram",
				zap.String("instance", inst.Name()), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("histogram %q: %w", cfg.Name, err)
	}

	h.log.Debug("created histogram",
		zap.String("name", cfg.Name),
		zap.String("event", event.System+"/"+event.Name))
	return h, nil
}

// FindHist attaches to a histogram created earlier, typically by another
// process. The instance is borrowed: tearing this controller down leaves
// the histogram alive. The run state is taken from the trigger file, which
// reports paused triggers.
func FindHist(fs *Tracefs, event *TraceEvent, cfg HistConfig) (*Hist, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	inst, err := fs.FindInstance(cfg.Name + "_inst")
	if err != nil {
		return nil, fmt.Errorf("histogram %q: %w", cfg.Name, err)
	}

	h := &Hist{fs: fs, log: fs.log, event: event, inst: inst, cfg: cfg}
	desc, err := h.Descriptor()
	if err != nil {
		return nil, fmt.Errorf("histogram %q: %w", cfg.Name, err)
	}
	switch {
	case !strings.Contains(desc, "hist:"):
		return nil, fmt.Errorf("histogram %q: instance has no hist trigger: %w",
			cfg.Name, ErrNotFound)
	case strings.Contains(desc, "[paused]"):
		h.state = HistStopped
	default:
		h.state = HistRunning
	}
	return h, nil
}

func (cfg *HistConfig) validate() error {
	if err := validName(cfg.Name); err != nil {
		return err
	}
	if len(cfg.Axes) == 0 {
		return fmt.Errorf("histogram %q: no key axes: %w", cfg.Name, ErrInvalidSyntax)
	}
	for _, key := range cfg.SortKeys {
		if !contains(cfg.Axes, key) && !contains(cfg.Weights, key) && key != "hitcount" {
			return fmt.Errorf("histogram %q: sort key %q is neither key nor value: %w",
				cfg.Name, key, ErrInvalidSyntax)
		}
	}
	return nil
}

// spec renders the trigger command: hist:keys=...:vals=...:sort=key.dir
func (h *Hist) spec() string {
	parts := []string{"hist", "keys=" + strings.Join(h.cfg.Axes, ",")}
	if len(h.cfg.Weights) > 0 {
		parts = append(parts, "vals="+strings.Join(h.cfg.Weights, ","))
	}
	if len(h.cfg.SortKeys) > 0 {
		keys := make([]string, len(h.cfg.SortKeys))
		for i, key := range h.cfg.SortKeys {
			keys[i] = key
			if desc, ok := h.cfg.Descending[key]; ok {
				if desc {
					keys[i] += ".descending"
				} else {
					keys[i] += ".ascending"
				}
			}
		}
		parts = append(parts, "sort="+strings.Join(keys, ","))
	}
	return strings.Join(parts, ":")
}

func (h *Hist) triggerPath() string {
	return filepath.Join("events", h.event.System, h.event.Name, "trigger")
}

func (h *Hist) writeTrigger(cmd string) error {
	return h.fs.WriteFile(h.inst.Name(), h.triggerPath(), cmd+"\n")
}

// State returns the controller's lifecycle state.
func (h *Hist) State() HistState {
	return h.state
}

// Name returns the histogram name.
func (h *Hist) Name() string {
	return h.cfg.Name
}

// Instance returns the trace instance the histogram lives in.
func (h *Hist) Instance() *Instance {
	return h.inst
}

// Start begins accumulating data. Valid from standby or stopped.
func (h *Hist) Start() error {
	if h.state == HistDetached || h.state == HistCleared {
		return h.stateError("start")
	}
	if err := h.writeTrigger(h.spec() + ":cont"); err != nil {
		return fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	h.state = HistRunning
	return nil
}

// Resume is Start under the name the kernel command uses.
func (h *Hist) Resume() error {
	return h.Start()
}

// Stop pauses accumulation. Counts are kept.
func (h *Hist) Stop() error {
	if h.state == HistDetached || h.state == HistCleared {
		return h.stateError("stop")
	}
	if err := h.writeTrigger(h.spec() + ":pause"); err != nil {
		return fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	h.state = HistStopped
	return nil
}

// Read returns the accumulated histogram as the kernel renders it. Reading
// does not change the run state.
func (h *Hist) Read() (string, error) {
	if h.state == HistDetached || h.state == HistCleared {
		return "", h.stateError("read")
	}
	rel := filepath.Join("events", h.event.System, h.event.Name, "hist")
	data, err := h.fs.ReadFile(h.inst.Name(), rel)
	if err != nil {
		return "", fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	return string(data), nil
}

// Clear resets the accumulated counts without touching the run state: a
// running histogram keeps running from zero.
func (h *Hist) Clear() error {
	if h.state == HistDetached || h.state == HistCleared {
		return h.stateError("clear")
	}
	if err := h.writeTrigger(h.spec() + ":clear"); err != nil {
		return fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	return nil
}

// Descriptor returns the raw content of the trigger file.
func (h *Hist) Descriptor() (string, error) {
	data, err := h.fs.ReadFile(h.inst.Name(), h.triggerPath())
	if err != nil {
		return "", fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// Detach hands the kernel resources over: Close will no longer clear the
// histogram or remove the instance. The underlying trigger keeps whatever
// run state it had.
func (h *Hist) Detach() {
	if h.state == HistDetached {
		return
	}
	h.prev = h.state
	h.state = HistDetached
	h.inst.Detach()
}

// Attach claims ownership of the kernel resources, either reversing a
// Detach (restoring the previous run state) or adopting a histogram that
// was found rather than created.
func (h *Hist) Attach() {
	if h.state == HistDetached {
		h.state = h.prev
	}
	h.inst.Attach()
}

// IsAttached reports whether this controller owns the kernel resources.
func (h *Hist) IsAttached() bool {
	return h.inst.Attached()
}

// Close tears the histogram down if this controller owns it: counts are
// cleared, the trigger removed, and the instance directory deleted, in that
// order. A borrowed or detached histogram is left untouched.
func (h *Hist) Close() error {
	if h.state == HistDetached || h.state == HistCleared || !h.inst.Attached() {
		return nil
	}
	if err := h.Clear(); err != nil {
		return err
	}
	// The trigger must be gone before the instance directory can be
	// removed.
	if err := h.writeTrigger("!" + h.spec()); err != nil {
		return fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	if err := h.fs.RemoveInstance(h.inst); err != nil {
		return fmt.Errorf("histogram %q: %w", h.cfg.Name, err)
	}
	h.state = HistCleared
	return nil
}

func (h *Hist) stateError(op string) error {
	return fmt.Errorf("histogram %q: cannot %s while %s", h.cfg.Name, op, h.state)
}
