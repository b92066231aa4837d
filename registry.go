package cruncher

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// TraceEvent identifies one kernel tracepoint together with its decoding
// schema. Events are immutable once resolved; the id is only stable for the
// current boot and becomes invalid if the trace buffer is reloaded.
type TraceEvent struct {
	System string
	Name   string

	format format
}

// ID returns the event's numeric identifier, as reported by the kernel.
func (e *TraceEvent) ID() int {
	return e.format.id
}

// Fields returns the event's field descriptors in record layout order,
// common fields first.
func (e *TraceEvent) Fields() []Field {
	return e.format.fields
}

// Field looks up a field descriptor by name.
func (e *TraceEvent) Field(name string) *Field {
	return e.format.findField(name)
}

// Registry resolves (system, event) pairs to their format metadata. It scans
// the events tree of one tracefs mount once at construction and lazily picks
// up events that appear later, such as freshly registered kprobes.
type Registry struct {
	fs      *Tracefs
	log     *zap.Logger
	systems []string
	events  map[string]*TraceEvent
}

// NewRegistry scans the tracefs events tree and returns a registry over it.
// A non-empty systems list restricts the scan to those subsystems. An event
// whose format file cannot be parsed is skipped with a warning; one bad
// event does not abort the scan.
func NewRegistry(fs *Tracefs, systems ...string) (*Registry, error) {
	r := &Registry{
		fs:      fs,
		log:     fs.log,
		systems: systems,
		events:  make(map[string]*TraceEvent),
	}
	if err := r.scan(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) scan() error {
	sysDirs, err := r.fs.listDirs("", "events")
	if err != nil {
		return err
	}

	for _, system := range sysDirs {
		if len(r.systems) > 0 && !contains(r.systems, system) {
			continue
		}
		evtDirs, err := r.fs.listDirs("", filepath.Join("events", system))
		if err != nil {
			return err
		}
		for _, name := range evtDirs {
			ev, err := r.loadEvent(system, name)
			if err != nil {
				r.log.Warn("skipping event with unusable format metadata",
					zap.String("system", system),
					zap.String("event", name),
					zap.Error(err))
				continue
			}
			r.events[system+"/"+name] = ev
		}
	}
	return nil
}

// Resolve returns the trace event registered as (system, name). Events not
// seen by the initial scan are looked up on disk, so a probe registered
// after the scan resolves without a rescan.
func (r *Registry) Resolve(system, name string) (*TraceEvent, error) {
	if ev, ok := r.events[system+"/"+name]; ok {
		return ev, nil
	}
	ev, err := r.loadEvent(system, name)
	if err != nil {
		return nil, err
	}
	r.events[system+"/"+name] = ev
	return ev, nil
}

// Reload drops any cached schema for (system, name) and reads it back from
// disk. Needed when an event was re-created under an old name: the kernel
// hands out a new id and the cached descriptor no longer matches.
func (r *Registry) Reload(system, name string) (*TraceEvent, error) {
	r.forget(system, name)
	return r.Resolve(system, name)
}

func (r *Registry) forget(system, name string) {
	delete(r.events, system+"/"+name)
}

// Events returns all resolved events, sorted by system then name.
func (r *Registry) Events() []*TraceEvent {
	evs := make([]*TraceEvent, 0, len(r.events))
	for _, ev := range r.events {
		evs = append(evs, ev)
	}
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].System != evs[j].System {
			return evs[i].System < evs[j].System
		}
		return evs[i].Name < evs[j].Name
	})
	return evs
}

func (r *Registry) loadEvent(system, name string) (*TraceEvent, error) {
	rel := filepath.Join("events", system, name, "format")
	data, err := r.fs.ReadFile("", rel)
	if err != nil {
		return nil, fmt.Errorf("event %s/%s: %w", system, name, err)
	}

	ev := &TraceEvent{System: system, Name: name}
	if err := ev.format.parse(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("event %s/%s: %w: %v", system, name, ErrMalformedMetadata, err)
	}

	// Old kernels omit the ID line from the format file; the separate id
	// file carries the same number.
	if ev.format.id < 0 {
		id, err := r.readID(system, name)
		if err != nil {
			return nil, err
		}
		ev.format.id = id
	}
	return ev, nil
}

func (r *Registry) readID(system, name string) (int, error) {
	data, err := r.fs.ReadFile("", filepath.Join("events", system, name, "id"))
	if err != nil {
		return -1, fmt.Errorf("event %s/%s: %w", system, name, err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return -1, fmt.Errorf("event %s/%s: bad id: %w", system, name, ErrMalformedMetadata)
	}
	return id, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
