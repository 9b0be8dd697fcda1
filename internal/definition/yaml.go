package definition

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/nodeflow/internal/graph"
	"github.com/petrijr/nodeflow/pkg/api"
)

// File is the on-disk form of a definition and its versions.
//
//	key: lead-intake
//	name: Lead intake
//	entity_type: Lead
//	default_timeout_hours: 72
//	versions:
//	  - version: 1
//	    nodes:
//	      - {id: start, type: TRIGGER, start: true, trigger_type: LeadCreated}
//	      - {id: done, type: END, end: true}
//	    transitions:
//	      - {id: t1, from: start, to: done}
type File struct {
	Key                    string        `yaml:"key"`
	Name                   string        `yaml:"name"`
	EntityType             string        `yaml:"entity_type"`
	MaxConcurrentInstances int           `yaml:"max_concurrent_instances"`
	DefaultTimeoutHours    int           `yaml:"default_timeout_hours"`
	Versions               []VersionFile `yaml:"versions"`

	// Path is the file the definition was read from, if any.
	Path string `yaml:"-"`
}

type VersionFile struct {
	Version     int              `yaml:"version"`
	Nodes       []NodeFile       `yaml:"nodes"`
	Transitions []TransitionFile `yaml:"transitions"`
}

type NodeFile struct {
	ID                    string         `yaml:"id"`
	Key                   string         `yaml:"key"`
	Name                  string         `yaml:"name"`
	Type                  string         `yaml:"type"`
	SubType               string         `yaml:"sub_type"`
	Start                 bool           `yaml:"start"`
	End                   bool           `yaml:"end"`
	TimeoutMinutes        int            `yaml:"timeout_minutes"`
	RetryCount            int            `yaml:"retry_count"`
	RetryDelaySeconds     int            `yaml:"retry_delay_seconds"`
	UseExponentialBackoff bool           `yaml:"exponential_backoff"`
	Queue                 string         `yaml:"queue"`
	Priority              int            `yaml:"priority"`
	Config                map[string]any `yaml:"config"`
	FormSchema            map[string]any `yaml:"form_schema"`
	TriggerType           string         `yaml:"trigger_type"`
	WaitSeconds           int            `yaml:"wait_seconds"`
	Subprocess            string         `yaml:"subprocess"`
	FailureTolerant       bool           `yaml:"failure_tolerant"`
	Join                  string         `yaml:"join"`
}

type TransitionFile struct {
	ID         string   `yaml:"id"`
	Key        string   `yaml:"key"`
	From       string   `yaml:"from"`
	To         string   `yaml:"to"`
	Condition  string   `yaml:"condition"`
	Expression string   `yaml:"expression"`
	Conditions []string `yaml:"conditions"`
	Priority   int      `yaml:"priority"`
	Default    bool     `yaml:"default"`
}

// ParseYAML decodes one definition file. Unknown fields are rejected.
func ParseYAML(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	if f.Key == "" {
		return nil, ErrKeyRequired
	}
	return &f, nil
}

// LoadFile reads and parses a definition file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// LoadDir reads every *.yaml and *.yml file in dir, in name order.
func LoadDir(dir string) ([]*File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	slices.Sort(names)

	files := make([]*File, 0, len(names))
	for _, name := range names {
		f, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// Definition returns the definition header of f.
func (f *File) Definition() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Key:                    f.Key,
		Name:                   f.Name,
		EntityType:             f.EntityType,
		MaxConcurrentInstances: f.MaxConcurrentInstances,
		DefaultTimeoutHours:    f.DefaultTimeoutHours,
	}
}

// WorkflowVersions converts the versions of f, numbering unnumbered entries
// by position.
func (f *File) WorkflowVersions() []api.WorkflowVersion {
	out := make([]api.WorkflowVersion, 0, len(f.Versions))
	for i, vf := range f.Versions {
		v := api.WorkflowVersion{
			DefinitionKey: f.Key,
			VersionNumber: vf.Version,
			Status:        api.VersionDraft,
		}
		if v.VersionNumber == 0 {
			v.VersionNumber = i + 1
		}
		for _, n := range vf.Nodes {
			v.Nodes = append(v.Nodes, n.node())
		}
		for _, t := range vf.Transitions {
			v.Transitions = append(v.Transitions, t.transition())
		}
		out = append(out, v)
	}
	return out
}

func (n NodeFile) node() api.WorkflowNode {
	return api.WorkflowNode{
		ID:                    n.ID,
		Key:                   n.Key,
		Name:                  n.Name,
		Type:                  api.NodeType(strings.ToUpper(n.Type)),
		SubType:               n.SubType,
		IsStartNode:           n.Start,
		IsEndNode:             n.End,
		TimeoutMinutes:        n.TimeoutMinutes,
		RetryCount:            n.RetryCount,
		RetryDelaySeconds:     n.RetryDelaySeconds,
		UseExponentialBackoff: n.UseExponentialBackoff,
		QueueName:             n.Queue,
		Priority:              n.Priority,
		Config:                n.Config,
		FormSchema:            n.FormSchema,
		TriggerType:           n.TriggerType,
		WaitSeconds:           n.WaitSeconds,
		SubprocessKey:         n.Subprocess,
		FailureTolerant:       n.FailureTolerant,
		JoinNodeID:            n.Join,
	}
}

func (t TransitionFile) transition() api.WorkflowTransition {
	cond := api.ConditionType(strings.ToUpper(t.Condition))
	if cond == "" {
		cond = api.ConditionAlways
	}
	return api.WorkflowTransition{
		ID:                  t.ID,
		TransitionKey:       t.Key,
		SourceNodeID:        t.From,
		TargetNodeID:        t.To,
		ConditionType:       cond,
		ConditionExpression: t.Expression,
		Conditions:          t.Conditions,
		Priority:            t.Priority,
		IsDefault:           t.Default,
	}
}

// Install registers f if it is unknown and publishes every version newer than
// the definition's current one. Installing the same file twice is a no-op.
func (r *Registry) Install(ctx context.Context, f *File) error {
	def, err := r.store.GetDefinition(ctx, f.Key)
	if errors.Is(err, api.ErrDefinitionNotFound) {
		d := f.Definition()
		if err := r.Register(ctx, &d); err != nil {
			return err
		}
		def = &d
	} else if err != nil {
		return err
	}

	for _, v := range f.WorkflowVersions() {
		if v.VersionNumber <= def.CurrentVersion {
			continue
		}
		if _, err := r.Publish(ctx, &v); err != nil {
			return fmt.Errorf("publish %s v%d: %w", f.Key, v.VersionNumber, err)
		}
	}
	return nil
}

// Validate compiles every version of f without storing anything.
func Validate(f *File) error {
	var errs []error
	for _, v := range f.WorkflowVersions() {
		if _, err := graph.Compile(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
