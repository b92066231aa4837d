package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	cruncher "github.com/tzstoyanov/trace-cruncher"
)

// sessionConfig is the declarative session file: the probes to register and
// the histograms to create for the duration of a run.
type sessionConfig struct {
	Probes     []probeConfig `yaml:"probes"`
	Histograms []histConfig  `yaml:"histograms"`
}

type probeConfig struct {
	Name     string        `yaml:"name"`
	Function string        `yaml:"function"`
	Return   bool          `yaml:"return"`
	Filter   string        `yaml:"filter"`
	Fields   []fieldConfig `yaml:"fields"`
}

// fieldConfig describes one probe field. Either a raw fetch expression, or
// an argument reference built from arg/type/offset; string and ustring
// types select the string fetch, array turns the field into numbered
// elements.
type fieldConfig struct {
	Name   string `yaml:"name"`
	Probe  string `yaml:"probe"`
	Arg    int    `yaml:"arg"`
	Type   string `yaml:"type"`
	Offset int    `yaml:"offset"`
	Array  bool   `yaml:"array"`
	Size   int    `yaml:"size"`
}

type histConfig struct {
	Name       string          `yaml:"name"`
	System     string          `yaml:"system"`
	Event      string          `yaml:"event"`
	Axes       []string        `yaml:"axes"`
	Weights    []string        `yaml:"weights"`
	SortKeys   []string        `yaml:"sort_keys"`
	Descending map[string]bool `yaml:"descending"`
}

func loadSession(path string) (*sessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session file: %w", err)
	}
	cfg, err := parseSession(data)
	if err != nil {
		return nil, fmt.Errorf("session file %s: %w", path, err)
	}
	return cfg, nil
}

func parseSession(data []byte) (*sessionConfig, error) {
	var cfg sessionConfig

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	for i := range cfg.Probes {
		p := &cfg.Probes[i]
		if p.Function == "" {
			return nil, fmt.Errorf("probe %q: no function", p.Name)
		}
		for _, f := range p.Fields {
			if f.Name == "" {
				return nil, fmt.Errorf("probe %q: field without a name", p.Name)
			}
		}
	}
	for i := range cfg.Histograms {
		h := &cfg.Histograms[i]
		if h.Name == "" || h.Event == "" {
			return nil, errors.New("histogram needs a name and an event")
		}
		if len(h.Axes) == 0 {
			return nil, fmt.Errorf("histogram %q: no axes", h.Name)
		}
		if h.System == "" {
			h.System = cruncher.KprobeSystem
		}
	}
	return &cfg, nil
}

// build turns the probe description into an engine kprobe.
func (pc *probeConfig) build(fs *cruncher.Tracefs, reg *cruncher.Registry) (*cruncher.Kprobe, error) {
	if pc.Return {
		if len(pc.Fields) > 0 {
			return nil, fmt.Errorf("probe %q: return probes take no fields", pc.Name)
		}
		return cruncher.NewRetProbe(fs, reg, pc.Name, pc.Function), nil
	}

	kp := cruncher.NewKprobe(fs, reg, pc.Name, pc.Function)
	for _, f := range pc.Fields {
		argType := f.Type
		if argType == "" {
			argType = "u64"
		}
		user := argType == "ustring"
		isString := user || argType == "string"

		var err error
		switch {
		case f.Probe != "":
			err = kp.AddRawField(f.Name, f.Probe)
		case f.Array && isString:
			err = kp.AddStringArrayArg(f.Name, f.Arg, f.Offset, user, f.Size)
		case f.Array:
			err = kp.AddArrayArg(f.Name, f.Arg, argType, f.Offset, f.Size)
		case isString:
			err = kp.AddStringArg(f.Name, f.Arg, f.Offset, user)
		case f.Offset != 0:
			err = kp.AddPtrArg(f.Name, f.Arg, argType, f.Offset)
		default:
			err = kp.AddArg(f.Name, f.Arg, argType)
		}
		if err != nil {
			return nil, err
		}
	}
	return kp, nil
}

func (hc *histConfig) config() cruncher.HistConfig {
	return cruncher.HistConfig{
		Name:       hc.Name,
		Axes:       hc.Axes,
		Weights:    hc.Weights,
		SortKeys:   hc.SortKeys,
		Descending: hc.Descending,
	}
}
