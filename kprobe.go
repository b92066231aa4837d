package cruncher

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/xid"
	"go.uber.org/zap"
)

const (
	// KprobeSystem is the events subsystem the kernel files dynamic
	// probes under.
	KprobeSystem = "kprobes"

	// kprobeEvents is the dynamic-probe control file, relative to the
	// tracefs mount.
	kprobeEvents = "kprobe_events"

	// pointerSize is the stride between elements of a pointer array on
	// the traced machine.
	pointerSize = strconv.IntSize / 8
)

var (
	eventNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	probeExprRe = regexp.MustCompile(`^[$%+\-A-Za-z0-9_().:]+$`)

	// Kernel symbols may carry suffixes like .isra.0, and an address
	// offset may follow the name.
	functionRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*(\+[0-9]+)?$`)
)

// Kprobe is a dynamic probe definition, built incrementally and then
// committed to the kernel with Register. A registered probe owns live
// kernel state until Unregister is called; leaking it leaves the probe
// behind for the next process to trip over.
type Kprobe struct {
	fs  *Tracefs
	reg *Registry
	log *zap.Logger

	name     string
	function string
	ret      bool

	// Probe fields in insertion order. Order is visible downstream: it
	// defines the field layout of the generated event.
	fieldNames  []string
	fieldProbes map[string]string

	registered bool
	ev         *Event
}

// NewKprobe starts a function-entry probe definition. An empty name gets a
// generated unique one, so short-lived tools cannot collide on the kernel
// probe table.
func NewKprobe(fs *Tracefs, reg *Registry, name, function string) *Kprobe {
	if name == "" {
		name = xid.New().String() + "_" + function
	}
	return &Kprobe{
		fs:          fs,
		reg:         reg,
		log:         fs.log,
		name:        name,
		function:    function,
		fieldProbes: make(map[string]string),
	}
}

// NewRetProbe starts a function-return probe definition. Return probes
// trace only the return value and carry no probe fields.
func NewRetProbe(fs *Tracefs, reg *Registry, name, function string) *Kprobe {
	kp := NewKprobe(fs, reg, name, function)
	kp.ret = true
	return kp
}

// Name returns the probe's event name.
func (kp *Kprobe) Name() string {
	return kp.name
}

// SetFunction changes the traced function. Only valid before Register.
func (kp *Kprobe) SetFunction(function string) {
	kp.function = function
}

// AddRawField adds a probe field with a caller-composed fetch expression.
// The expression is validated here, before anything reaches the kernel, to
// reduce the risk of a partial registration.
func (kp *Kprobe) AddRawField(name, probe string) error {
	if kp.ret {
		return fmt.Errorf("kprobe %s: return probes take no fields: %w", kp.name, ErrInvalidSyntax)
	}
	if !eventNameRe.MatchString(name) {
		return fmt.Errorf("kprobe %s: bad field name %q: %w", kp.name, name, ErrInvalidSyntax)
	}
	if !probeExprRe.MatchString(probe) || !balanced(probe) {
		return fmt.Errorf("kprobe %s: bad probe expression %q: %w", kp.name, probe, ErrInvalidSyntax)
	}
	if _, ok := kp.fieldProbes[name]; !ok {
		kp.fieldNames = append(kp.fieldNames, name)
	}
	kp.fieldProbes[name] = probe
	return nil
}

// AddArg adds a field fetching function argument argN directly.
func (kp *Kprobe) AddArg(name string, argN int, argType string) error {
	return kp.AddRawField(name, fmt.Sprintf("$arg%d:%s", argN, argType))
}

// AddPtrArg adds a field dereferencing a pointer argument at a byte offset.
func (kp *Kprobe) AddPtrArg(name string, argN int, argType string, offset int) error {
	return kp.AddRawField(name, fmt.Sprintf("+%d($arg%d):%s", offset, argN, argType))
}

// AddArrayArg adds one field per element of a pointer-array argument. Each
// element becomes its own sub-field name0, name1, ... at the pointer-size
// stride. A non-positive size defaults to 10 elements.
func (kp *Kprobe) AddArrayArg(name string, argN int, argType string, offset, size int) error {
	if size <= 0 {
		size = defaultArraySize
	}
	for i := 0; i < size; i++ {
		probe := fmt.Sprintf("+%d(+%d($arg%d)):%s", offset, i*pointerSize, argN, argType)
		if err := kp.AddRawField(name+strconv.Itoa(i), probe); err != nil {
			return err
		}
	}
	return nil
}

// AddStringArg adds a string field read through a pointer argument. user
// selects the user-space string fetch.
func (kp *Kprobe) AddStringArg(name string, argN int, offset int, user bool) error {
	return kp.AddPtrArg(name, argN, stringType(user), offset)
}

// AddStringArrayArg adds an array-of-strings field, one sub-field per
// element as in AddArrayArg.
func (kp *Kprobe) AddStringArrayArg(name string, argN int, offset int, user bool, size int) error {
	return kp.AddArrayArg(name, argN, stringType(user), offset, size)
}

func stringType(user bool) string {
	if user {
		return "ustring"
	}
	return "string"
}

// definition renders the probe line written to the dynamic-probe control
// file: "p:kprobes/<event> <function> [field=expr]...", with "r:" for
// return probes.
func (kp *Kprobe) definition() string {
	var b strings.Builder
	if kp.ret {
		b.WriteString("r:")
	} else {
		b.WriteString("p:")
	}
	b.WriteString(KprobeSystem)
	b.WriteByte('/')
	b.WriteString(kp.name)
	b.WriteByte(' ')
	b.WriteString(kp.function)
	for _, name := range kp.fieldNames {
		b.WriteByte(' ')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(kp.fieldProbes[name])
	}
	return b.String()
}

// Register commits the probe to the kernel and resolves the new event's id.
// The control-file write must succeed before the id lookup: the event does
// not exist until the kernel accepts the definition. Registering a name
// still live in the probe table fails with ErrDuplicateResource; the old
// probe has to be unregistered first.
func (kp *Kprobe) Register() error {
	if kp.registered {
		return fmt.Errorf("kprobe %s: already registered: %w", kp.name, ErrDuplicateResource)
	}
	if !eventNameRe.MatchString(kp.name) {
		return fmt.Errorf("kprobe: bad event name %q: %w", kp.name, ErrInvalidSyntax)
	}
	if !functionRe.MatchString(kp.function) {
		return fmt.Errorf("kprobe %s: bad function %q: %w", kp.name, kp.function, ErrInvalidSyntax)
	}

	live, err := kp.liveProbes()
	if err != nil {
		return err
	}
	if contains(live, kp.name) {
		return fmt.Errorf("kprobe %s: still live in kernel probe table: %w",
			kp.name, ErrDuplicateResource)
	}

	if err := kp.fs.AppendFile("", kprobeEvents, kp.definition()+"\n"); err != nil {
		return fmt.Errorf("kprobe %s: %w", kp.name, err)
	}

	// Reload rather than resolve: a previous probe may have left a stale
	// schema under this name in the registry cache.
	te, err := kp.reg.Reload(KprobeSystem, kp.name)
	if err != nil {
		// The probe is in the kernel but unusable without an id. Back
		// it out rather than leak it.
		if rmErr := kp.fs.AppendFile("", kprobeEvents, "-:"+KprobeSystem+"/"+kp.name+"\n"); rmErr != nil {
			kp.log.Warn("could not remove half-registered kprobe",
				zap.String("probe", kp.name), zap.Error(rmErr))
		}
		return fmt.Errorf("kprobe %s: resolving id: %w", kp.name, err)
	}

	kp.ev = &Event{TraceEvent: te, fs: kp.fs}
	kp.registered = true
	kp.log.Debug("registered kprobe",
		zap.String("probe", kp.name),
		zap.String("function", kp.function),
		zap.Int("id", te.ID()))
	return nil
}

// Unregister removes the probe from the kernel probe table.
func (kp *Kprobe) Unregister() error {
	if !kp.registered {
		return nil
	}
	if err := kp.fs.AppendFile("", kprobeEvents, "-:"+KprobeSystem+"/"+kp.name+"\n"); err != nil {
		return fmt.Errorf("kprobe %s: %w", kp.name, err)
	}
	kp.reg.forget(KprobeSystem, kp.name)
	kp.registered = false
	kp.ev = nil
	return nil
}

// ID returns the registered event id, or -1 before registration.
func (kp *Kprobe) ID() int {
	if kp.ev == nil {
		return -1
	}
	return kp.ev.ID()
}

// Event returns the control handle of the registered probe event, or nil
// before registration.
func (kp *Kprobe) Event() *Event {
	return kp.ev
}

// liveProbes lists the probe names currently in the kernel probe table for
// our subsystem.
func (kp *Kprobe) liveProbes() ([]string, error) {
	data, err := kp.fs.ReadFile("", kprobeEvents)
	if err != nil {
		return nil, fmt.Errorf("kprobe: reading probe table: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		// Lines look like "p:kprobes/open_at do_sys_openat2 ...".
		spec, _, _ := strings.Cut(line, " ")
		_, name, ok := strings.Cut(spec, KprobeSystem+"/")
		if ok && name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

func balanced(expr string) bool {
	depth := 0
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}
