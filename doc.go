// Package cruncher controls the Linux kernel's ftrace subsystem through
// tracefs: it resolves trace events and their binary record schemas,
// registers dynamic kprobes, decodes raw trace records and drives kernel
// histogram triggers.
//
// All operations are synchronous file I/O against the tracefs mount and
// usually require root. Kernel state acquired through this package (probes,
// histogram triggers, trace instances) outlives the process; callers own
// its release.
package cruncher
