package cruncher

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

// fakeTracefs emulates the kernel side of the tracefs protocol in memory:
// instance directories are populated on mkdir, kprobe_events keeps a live
// probe list, trigger writes are rendered the way the kernel reports them
// back, and rmdir of an instance tears down its virtual content.
type fakeTracefs struct {
	root   string
	files  map[string]string
	dirs   map[string]bool
	nextID int

	// scripted errors returned by the next writes to a path
	writeErrs map[string][]error
	// writes observed per path, in order
	writeLog map[string][]string
}

const zeroHist = "# event histogram\n\nTotals:\n    Hits: 0\n    Entries: 0\n    Dropped: 0\n"

const forkFormat = `name: sched_process_fork
ID: 267
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:char parent_comm[16];	offset:8;	size:16;	signed:1;
	field:pid_t parent_pid;	offset:24;	size:4;	signed:1;
	field:char child_comm[16];	offset:28;	size:16;	signed:1;
	field:pid_t child_pid;	offset:44;	size:4;	signed:1;

print fmt: "comm=%s pid=%d child_comm=%s child_pid=%d", REC->parent_comm, REC->parent_pid, REC->child_comm, REC->child_pid
`

func newFakeTracefs() *fakeTracefs {
	f := &fakeTracefs{
		root:      "/sys/kernel/tracing",
		files:     make(map[string]string),
		dirs:      make(map[string]bool),
		nextID:    1500,
		writeErrs: make(map[string][]error),
		writeLog:  make(map[string][]string),
	}
	f.dirs[f.root] = true
	f.addFile("kprobe_events", "")
	f.addEvent("sched", "sched_process_fork", forkFormat, "267\n")
	return f
}

// newTestEngine returns a Tracefs over a fresh fake tree plus the fake for
// direct inspection.
func newTestEngine(t *testing.T) (*Tracefs, *fakeTracefs) {
	fake := newFakeTracefs()
	return newTracefs(fake.root, fake, zaptest.NewLogger(t)), fake
}

func (f *fakeTracefs) abs(rel string) string {
	return path.Join(f.root, rel)
}

func (f *fakeTracefs) addFile(rel, content string) {
	p := f.abs(rel)
	for dir := path.Dir(p); dir != "/" && !f.dirs[dir]; dir = path.Dir(dir) {
		f.dirs[dir] = true
	}
	f.files[p] = content
}

func (f *fakeTracefs) addEvent(system, name, format, id string) {
	base := path.Join("events", system, name)
	f.addFile(path.Join(base, "format"), format)
	f.addFile(path.Join(base, "id"), id)
	f.addFile(path.Join(base, "enable"), "0\n")
	f.addFile(path.Join(base, "filter"), "none\n")
	f.addFile(path.Join(base, "trigger"), "# Available triggers:\n")
	f.addFile(path.Join(base, "hist"), zeroHist)
}

func (f *fakeTracefs) removeEvent(system, name string) {
	prefix := f.abs(path.Join("events", system, name))
	for p := range f.files {
		if strings.HasPrefix(p, prefix+"/") {
			delete(f.files, p)
		}
	}
	for p := range f.dirs {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			delete(f.dirs, p)
		}
	}
}

func (f *fakeTracefs) readFile(p string) ([]byte, error) {
	content, ok := f.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(content), nil
}

func (f *fakeTracefs) writeFile(p, data string, appendTo bool) error {
	if errs := f.writeErrs[p]; len(errs) > 0 {
		err := errs[0]
		f.writeErrs[p] = errs[1:]
		return err
	}
	if _, ok := f.files[p]; !ok {
		return fs.ErrNotExist
	}
	f.writeLog[p] = append(f.writeLog[p], data)

	switch {
	case p == f.abs("kprobe_events"):
		return f.writeKprobeEvents(data)
	case path.Base(p) == "trigger":
		return f.writeTrigger(p, data)
	case appendTo:
		f.files[p] += data
	default:
		f.files[p] = data
	}
	return nil
}

// writeKprobeEvents maintains the live-probe list the way the kernel does:
// "p:"/"r:" lines add a probe, "-:" lines remove one, and reading the file
// back shows only live probes.
func (f *fakeTracefs) writeKprobeEvents(data string) error {
	for _, line := range strings.Split(strings.TrimRight(data, "\n"), "\n") {
		if line == "" {
			continue
		}
		spec, _, _ := strings.Cut(line, " ")
		kind, probe, ok := strings.Cut(spec, ":")
		if !ok {
			return fs.ErrInvalid
		}
		system, name, ok := strings.Cut(probe, "/")
		if !ok {
			system, name = "kprobes", probe
		}

		switch kind {
		case "p", "r":
			if f.liveProbe(name) != "" {
				return fs.ErrExist
			}
			f.files[f.abs("kprobe_events")] += line + "\n"
			format := fmt.Sprintf(`name: %s
ID: %d
format:
	field:unsigned short common_type;	offset:0;	size:2;	signed:0;
	field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
	field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
	field:int common_pid;	offset:4;	size:4;	signed:1;

	field:unsigned long __probe_ip;	offset:8;	size:8;	signed:0;

print fmt: "(%%lx)", REC->__probe_ip
`, name, f.nextID)
			f.addEvent(system, name, format, fmt.Sprintf("%d\n", f.nextID))
			f.nextID++
		case "-":
			live := f.liveProbe(name)
			if live == "" {
				return fs.ErrNotExist
			}
			content := ""
			for _, l := range strings.Split(f.files[f.abs("kprobe_events")], "\n") {
				if l != "" && l != live {
					content += l + "\n"
				}
			}
			f.files[f.abs("kprobe_events")] = content
			f.removeEvent(system, name)
		default:
			return fs.ErrInvalid
		}
	}
	return nil
}

func (f *fakeTracefs) liveProbe(name string) string {
	for _, l := range strings.Split(f.files[f.abs("kprobe_events")], "\n") {
		spec, _, _ := strings.Cut(l, " ")
		if strings.HasSuffix(spec, "/"+name) {
			return l
		}
	}
	return ""
}

// writeTrigger renders the trigger file the way the kernel reports it:
// paused triggers show [paused], active ones [active], a "!" command
// removes the trigger, and ":clear" zeroes the sibling hist file.
func (f *fakeTracefs) writeTrigger(p, data string) error {
	cmd := strings.TrimRight(data, "\n")
	if strings.HasPrefix(cmd, "!") {
		f.files[p] = "# Available triggers:\n"
		return nil
	}
	switch {
	case strings.HasSuffix(cmd, ":pause"):
		f.files[p] = strings.TrimSuffix(cmd, ":pause") + " [paused]\n"
	case strings.HasSuffix(cmd, ":cont"):
		f.files[p] = strings.TrimSuffix(cmd, ":cont") + " [active]\n"
	case strings.HasSuffix(cmd, ":clear"):
		f.files[path.Join(path.Dir(p), "hist")] = zeroHist
	default:
		f.files[p] = cmd + " [active]\n"
	}
	return nil
}

func (f *fakeTracefs) listDirs(p string) ([]string, error) {
	if !f.dirs[p] {
		return nil, fs.ErrNotExist
	}
	seen := make(map[string]bool)
	for d := range f.dirs {
		if path.Dir(d) == p {
			seen[path.Base(d)] = true
		}
	}
	var names []string
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// mkdir of an instance directory populates it the way the kernel does,
// mirroring the top-level events tree.
func (f *fakeTracefs) mkdir(p string) error {
	if f.dirs[p] {
		return fs.ErrExist
	}
	if !f.dirs[path.Dir(p)] {
		if path.Base(path.Dir(p)) != "instances" || !f.dirs[path.Dir(path.Dir(p))] {
			return fs.ErrNotExist
		}
		f.dirs[path.Dir(p)] = true
	}
	f.dirs[p] = true

	eventsRoot := f.abs("events")
	for file, content := range f.files {
		if strings.HasPrefix(file, eventsRoot+"/") {
			mirrored := path.Join(p, "events", strings.TrimPrefix(file, eventsRoot+"/"))
			for dir := path.Dir(mirrored); !f.dirs[dir]; dir = path.Dir(dir) {
				f.dirs[dir] = true
			}
			f.files[mirrored] = content
		}
	}
	return nil
}

// rmdir removes an instance directory along with its virtual content, as
// the kernel does; a plain non-empty directory elsewhere is refused.
func (f *fakeTracefs) rmdir(p string) error {
	if !f.dirs[p] {
		return fs.ErrNotExist
	}
	if path.Base(path.Dir(p)) != "instances" {
		for d := range f.dirs {
			if path.Dir(d) == p {
				return fs.ErrInvalid
			}
		}
	}
	for file := range f.files {
		if strings.HasPrefix(file, p+"/") {
			delete(f.files, file)
		}
	}
	for d := range f.dirs {
		if d == p || strings.HasPrefix(d, p+"/") {
			delete(f.dirs, d)
		}
	}
	return nil
}

func (f *fakeTracefs) statDir(p string) error {
	if !f.dirs[p] {
		return fs.ErrNotExist
	}
	return nil
}
