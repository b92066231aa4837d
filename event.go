package cruncher

import (
	"fmt"
	"path/filepath"
)

// topInstance is the bookkeeping name for the top-level trace buffer.
const topInstance = "top"

// Event is a handle on one resolved trace event, carrying the per-instance
// enable/disable bookkeeping. The schema itself lives in the embedded
// TraceEvent.
type Event struct {
	*TraceEvent

	fs *Tracefs

	// Instances in which this event is currently enabled. Used so a
	// caller can tear down exactly what it turned on.
	instances []string
}

// NewEvent resolves (system, name) in the registry and returns a control
// handle for it.
func NewEvent(fs *Tracefs, reg *Registry, system, name string) (*Event, error) {
	te, err := reg.Resolve(system, name)
	if err != nil {
		return nil, err
	}
	return &Event{TraceEvent: te, fs: fs}, nil
}

func (ev *Event) controlPath(file string) string {
	return filepath.Join("events", ev.System, ev.Name, file)
}

// Enable turns the event on, in the top-level buffer when instance is empty
// or in the named instance otherwise.
func (ev *Event) Enable(instance string) error {
	if err := ev.fs.WriteFile(instance, ev.controlPath("enable"), "1"); err != nil {
		return fmt.Errorf("enable %s/%s: %w", ev.System, ev.Name, err)
	}
	key := instanceKey(instance)
	if !contains(ev.instances, key) {
		ev.instances = append(ev.instances, key)
	}
	return nil
}

// Disable turns the event off in the given instance (empty for the
// top-level buffer).
func (ev *Event) Disable(instance string) error {
	if err := ev.fs.WriteFile(instance, ev.controlPath("enable"), "0"); err != nil {
		return fmt.Errorf("disable %s/%s: %w", ev.System, ev.Name, err)
	}
	key := instanceKey(instance)
	for i, v := range ev.instances {
		if v == key {
			ev.instances = append(ev.instances[:i], ev.instances[i+1:]...)
			break
		}
	}
	return nil
}

// EnabledIn returns the bookkeeping list of instances the event was enabled
// in through this handle. The top-level buffer appears as "top".
func (ev *Event) EnabledIn() []string {
	out := make([]string, len(ev.instances))
	copy(out, ev.instances)
	return out
}

// SetFilter installs a filter expression for the event.
func (ev *Event) SetFilter(instance, filter string) error {
	if err := ev.fs.WriteFile(instance, ev.controlPath("filter"), filter); err != nil {
		return fmt.Errorf("set filter on %s/%s: %w", ev.System, ev.Name, err)
	}
	return nil
}

// ClearFilter removes any installed filter. The kernel clears a filter when
// "0" is written to the filter file.
func (ev *Event) ClearFilter(instance string) error {
	if err := ev.fs.WriteFile(instance, ev.controlPath("filter"), "0"); err != nil {
		return fmt.Errorf("clear filter on %s/%s: %w", ev.System, ev.Name, err)
	}
	return nil
}

func instanceKey(instance string) string {
	if instance == "" {
		return topInstance
	}
	return instance
}
