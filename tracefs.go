package cruncher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Candidate tracefs mount points, newest layout first. The debugfs path is
// the pre-4.1 location and still works as a bind of the same filesystem.
var tracefsMounts = []string{
	"/sys/kernel/tracing",
	"/sys/kernel/debug/tracing",
}

// Number of attempts for control-file writes that can race with concurrent
// kernel state changes.
const writeAttempts = 3

// fileOps is the seam between the engine and the filesystem, so the whole
// engine can be driven against an emulated tracefs tree.
type fileOps interface {
	readFile(path string) ([]byte, error)
	writeFile(path, data string, appendTo bool) error
	listDirs(path string) ([]string, error)
	mkdir(path string) error
	rmdir(path string) error
	statDir(path string) error
}

// Tracefs provides scoped access to the control files of one tracefs mount.
// All reads and writes go through it so that every handle is released on
// every exit path and every write is bounded-retried on transient errors.
type Tracefs struct {
	root string
	ops  fileOps
	log  *zap.Logger
}

// NewTracefs locates the tracefs mount and returns an accessor for it. The
// mount is recognized by its filesystem magic, so a stale directory left
// behind by an unmounted debugfs does not fool it.
func NewTracefs(logger *zap.Logger) (*Tracefs, error) {
	for _, dir := range tracefsMounts {
		var st unix.Statfs_t
		if err := unix.Statfs(dir, &st); err != nil {
			continue
		}
		if st.Type == unix.TRACEFS_MAGIC || st.Type == unix.DEBUGFS_MAGIC {
			return NewTracefsAt(dir, logger), nil
		}
	}
	return nil, fmt.Errorf("tracefs: no tracefs mount: %w", ErrNotFound)
}

// NewTracefsAt returns an accessor rooted at an explicit directory, skipping
// mount discovery.
func NewTracefsAt(root string, logger *zap.Logger) *Tracefs {
	return newTracefs(root, osFiles{}, logger)
}

func newTracefs(root string, ops fileOps, logger *zap.Logger) *Tracefs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracefs{root: root, ops: ops, log: logger}
}

// Root returns the tracefs mount directory.
func (t *Tracefs) Root() string {
	return t.root
}

// Path resolves a control-file path relative to the mount, or relative to a
// named instance sub-buffer when instance is non-empty.
func (t *Tracefs) Path(instance, rel string) string {
	if instance == "" {
		return filepath.Join(t.root, rel)
	}
	return filepath.Join(t.root, "instances", instance, rel)
}

// ReadFile reads a whole control file.
func (t *Tracefs) ReadFile(instance, rel string) ([]byte, error) {
	path := t.Path(instance, rel)
	data, err := t.ops.readFile(path)
	if err != nil {
		return nil, classify("read", path, err)
	}
	return data, nil
}

// WriteFile writes data to a control file.
func (t *Tracefs) WriteFile(instance, rel, data string) error {
	return t.write(t.Path(instance, rel), data, false)
}

// AppendFile appends data to a control file. Append semantics matter for
// files like kprobe_events where a plain write would drop existing probes.
func (t *Tracefs) AppendFile(instance, rel, data string) error {
	return t.write(t.Path(instance, rel), data, true)
}

func (t *Tracefs) write(path, data string, appendTo bool) error {
	var err error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		err = t.ops.writeFile(path, data, appendTo)
		if err == nil || !transient(err) {
			break
		}
		t.log.Debug("retrying transient tracefs write",
			zap.String("path", path), zap.Error(err))
	}
	if err != nil {
		return classify("write", path, err)
	}
	return nil
}

func (t *Tracefs) listDirs(instance, rel string) ([]string, error) {
	path := t.Path(instance, rel)
	dirs, err := t.ops.listDirs(path)
	if err != nil {
		return nil, classify("readdir", path, err)
	}
	return dirs, nil
}

// classify maps an OS error onto the engine taxonomy, keeping operation and
// path context.
func classify(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("tracefs: %s %s: %w", op, path, ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("tracefs: %s %s: %w", op, path, ErrPermission)
	default:
		return fmt.Errorf("tracefs: %s %s: %w", op, path, err)
	}
}

func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.EBUSY)
}

// Instance is a named tracefs sub-buffer directory. A created instance is
// owned: removing it deletes the kernel directory. A found instance is
// borrowed and teardown must leave it alone. The attached flag tracks which
// of the two the caller currently holds.
type Instance struct {
	fs       *Tracefs
	name     string
	attached bool
}

// CreateInstance makes a new instance sub-buffer. The returned instance is
// owned (attached).
func (t *Tracefs) CreateInstance(name string) (*Instance, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(t.root, "instances", name)
	if err := t.ops.mkdir(dir); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("tracefs: instance %q: %w", name, ErrDuplicateResource)
		}
		return nil, classify("mkdir", dir, err)
	}
	t.log.Debug("created trace instance", zap.String("instance", name))
	return &Instance{fs: t, name: name, attached: true}, nil
}

// FindInstance attaches to an existing instance sub-buffer. The returned
// instance is borrowed (not attached): removing it is not this process's
// responsibility.
func (t *Tracefs) FindInstance(name string) (*Instance, error) {
	dir := filepath.Join(t.root, "instances", name)
	if err := t.ops.statDir(dir); err != nil {
		return nil, classify("stat", dir, err)
	}
	return &Instance{fs: t, name: name, attached: false}, nil
}

// RemoveInstance deletes an owned instance directory. Removing a borrowed
// instance is refused.
func (t *Tracefs) RemoveInstance(in *Instance) error {
	if !in.attached {
		return fmt.Errorf("tracefs: instance %q is not owned by this process: %w",
			in.name, ErrPermission)
	}
	dir := filepath.Join(t.root, "instances", in.name)
	// Instance directories are removed with rmdir even though they look
	// populated: the kernel tears down the virtual content itself.
	if err := t.ops.rmdir(dir); err != nil {
		return classify("rmdir", dir, err)
	}
	in.attached = false
	t.log.Debug("removed trace instance", zap.String("instance", in.name))
	return nil
}

// Name returns the instance name.
func (in *Instance) Name() string {
	return in.name
}

// Dir returns the absolute directory of the instance.
func (in *Instance) Dir() string {
	return filepath.Join(in.fs.root, "instances", in.name)
}

// Attached reports whether this process owns the instance directory.
func (in *Instance) Attached() bool {
	return in.attached
}

// Detach gives up ownership without destroying the kernel instance.
func (in *Instance) Detach() {
	in.attached = false
}

// Attach reclaims ownership responsibility for the instance.
func (in *Instance) Attach() {
	in.attached = true
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/ \t\n") {
		return fmt.Errorf("name %q: %w", name, ErrInvalidSyntax)
	}
	return nil
}

// osFiles is the real filesystem implementation of fileOps.
type osFiles struct{}

func (osFiles) readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (osFiles) writeFile(path, data string, appendTo bool) error {
	flag := os.O_WRONLY
	if appendTo {
		flag |= os.O_APPEND
	}
	fp, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return err
	}
	defer fp.Close()

	// One writer at a time per control file. The lock is on the file
	// itself, so it also serializes against other processes using the
	// same convention; tracefs gives no transactional guarantee across
	// multi-step operations.
	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(fp.Fd()), unix.LOCK_UN)

	_, err = fp.WriteString(data)
	return err
}

func (osFiles) listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		// Control files like 'enable' and 'header_page' live next to
		// the subdirectories.
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (osFiles) mkdir(path string) error {
	return os.Mkdir(path, 0o750)
}

func (osFiles) rmdir(path string) error {
	return unix.Rmdir(path)
}

func (osFiles) statDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fs.ErrNotExist
	}
	return nil
}
