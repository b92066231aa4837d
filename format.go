package cruncher

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type fieldFlag int

const (
	fieldFlagArray fieldFlag = 1 << iota
	fieldFlagSigned
	fieldFlagString
	fieldFlagDynamic // __data_loc
)

// Field describes one decodable field of a trace record.
//
// The kernel publishes the description for each event in
// $tracefs/events/<system>/<event>/format. Offset and size refer to the raw
// record buffer layout for that exact event; they are never mutated after
// parse.
type Field struct {
	Name   string
	Offset int
	Size   int
	Signed bool

	flags    fieldFlag
	arrayLen int
}

// IsArray reports whether the field was declared with an array type.
func (f *Field) IsArray() bool {
	return f.flags&fieldFlagArray != 0
}

// IsString reports whether the field holds character data, either a fixed
// char array or a dynamic __data_loc string.
func (f *Field) IsString() bool {
	return f.flags&fieldFlagString != 0
}

// IsDynamic reports whether the field is a __data_loc reference into the
// variable-length tail of the record.
func (f *Field) IsDynamic() bool {
	return f.flags&fieldFlagDynamic != 0
}

// ArrayLen returns the declared element count of a fixed array field, or 0
// when the field is scalar or dynamically sized.
func (f *Field) ArrayLen() int {
	return f.arrayLen
}

// format is the parsed metadata of one event format file.
type format struct {
	name   string
	id     int
	fields []Field
}

// State of the format description parser.
// Header -> CommonFields -> Fields -> End
type formatParseState int

const (
	stateHeader formatParseState = iota
	stateCommonFields
	stateFields
	stateEnd
)

func isSpace(c byte) bool {
	return c == ' ' || c-'\t' < 5
}

func isAlpha(c byte) bool {
	return (c|32)-'a' < 26
}

func isDigit(c byte) bool {
	return (c - '0') < 10
}

func isIdent(c byte) bool {
	return isAlpha(c) || isDigit(c) || c == '_'
}

// parseTypeName interprets the "field:<c type> <name>" property. The last
// identifier is the field name; everything before it is the C type, from
// which only a few traits matter: __data_loc marks a dynamic field, char
// element type marks character data, and a trailing [N] marks an array.
func parseTypeName(prop string, out *Field) error {
	decl, ok := strings.CutPrefix(prop, "field:")
	if !ok {
		return fmt.Errorf("expected 'field:' in %q", prop)
	}

	isChar := false
	i := 0
	for i < len(decl) {
		c := decl[i]
		switch {
		case isSpace(c) || c == '*':
			i++
		case isIdent(c):
			start := i
			for i < len(decl) && isIdent(decl[i]) {
				i++
			}
			switch word := decl[start:i]; word {
			case "__data_loc":
				out.flags |= fieldFlagDynamic
			case "char":
				isChar = true
			default:
				// The last identifier wins: it is the name.
				out.Name = word
			}
		case c == '[':
			out.flags |= fieldFlagArray
			end := strings.IndexByte(decl[i:], ']')
			if end < 0 {
				return fmt.Errorf("unmatched '[' in %q", decl)
			}
			if n, err := strconv.Atoi(strings.TrimSpace(decl[i+1 : i+end])); err == nil {
				out.arrayLen = n
			}
			i += end + 1
		default:
			return fmt.Errorf("unexpected character %q in %q", c, decl)
		}
	}

	if out.Name == "" {
		return fmt.Errorf("no field name in %q", decl)
	}
	if isChar && (out.flags&(fieldFlagArray|fieldFlagDynamic)) != 0 {
		out.flags |= fieldFlagString
	}
	return nil
}

func parseIntProp(prop, key string) (int, error) {
	val, ok := strings.CutPrefix(prop, key)
	if !ok {
		return 0, fmt.Errorf("expected %q in %q", key, prop)
	}
	return strconv.Atoi(strings.TrimSpace(val))
}

// parseFieldLine parses one "field:...; offset:N; size:N; signed:N;" line.
// The signed property is optional: it was added to the kernel later than the
// other three.
func parseFieldLine(line string, out *Field) error {
	props := strings.Split(line, ";")
	for i := range props {
		props[i] = strings.TrimSpace(props[i])
	}
	if len(props) < 3 {
		return fmt.Errorf("unexpected number of field properties in %q", line)
	}

	if err := parseTypeName(props[0], out); err != nil {
		return err
	}
	var err error
	if out.Offset, err = parseIntProp(props[1], "offset:"); err != nil {
		return err
	}
	if out.Size, err = parseIntProp(props[2], "size:"); err != nil {
		return err
	}
	if len(props) > 3 && props[3] != "" {
		s, err := parseIntProp(props[3], "signed:")
		if err != nil {
			return err
		}
		out.Signed = s == 1
	}
	if out.Signed {
		out.flags |= fieldFlagSigned
	}
	return nil
}

// parse reads an event format description. This looks like:
//
//	name: sched_process_fork
//	ID: 267
//	format:
//		field:unsigned short common_type;	offset:0;	size:2;	signed:0;
//		field:unsigned char common_flags;	offset:2;	size:1;	signed:0;
//		field:unsigned char common_preempt_count;	offset:3;	size:1;	signed:0;
//		field:int common_pid;	offset:4;	size:4;	signed:1;
//
//		field:char parent_comm[16];	offset:8;	size:16;	signed:1;
//		field:pid_t parent_pid;	offset:24;	size:4;	signed:1;
//
//	print fmt: "comm=%s pid=%d ...", REC->parent_comm, REC->parent_pid
//
// The blank line separates common fields from per-event fields; a second
// blank line ends the field section and the print fmt is ignored.
func (f *format) parse(r io.Reader) error {
	f.id = -1
	state := stateHeader
	scanner := bufio.NewScanner(r)

	for scanner.Scan() && state != stateEnd {
		line := scanner.Text()

		switch {
		case state == stateHeader:
			if name, ok := strings.CutPrefix(line, "name:"); ok {
				f.name = strings.TrimSpace(name)
				continue
			}
			if id, ok := strings.CutPrefix(line, "ID:"); ok {
				n, err := strconv.Atoi(strings.TrimSpace(id))
				if err != nil {
					return fmt.Errorf("bad event id %q: %w", id, err)
				}
				f.id = n
				continue
			}
			if line == "format:" {
				state = stateCommonFields
			}
		case line == "":
			if state == stateCommonFields {
				state = stateFields
			} else {
				state = stateEnd
			}
		default:
			var field Field
			if err := parseFieldLine(line, &field); err != nil {
				return err
			}
			f.fields = append(f.fields, field)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if state == stateHeader {
		return errors.New("no format section found")
	}
	if len(f.fields) == 0 {
		return errors.New("no field found")
	}
	return nil
}

func (f *format) findField(name string) *Field {
	for i := range f.fields {
		if f.fields[i].Name == name {
			return &f.fields[i]
		}
	}
	return nil
}
