// Package config loads the layered TOML configuration of the testbed:
// a per-user testbed file naming the namespace, and per-workflow files that
// pull in shared section files through [workflow].includes.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/eic-swf/testbed"
)

// EnvTestbedConfig names the testbed TOML file when no path is given.
const EnvTestbedConfig = "SWF_TESTBED_CONFIG"

// Testbed is the per-user testbed configuration. Namespace is required;
// the remaining sections act as overrides applied on top of every workflow
// config.
type Testbed struct {
	Namespace string
	Agents    map[string]bool
	Sections  map[string]map[string]any
}

// LoadTestbed reads the testbed TOML file. An empty path falls back to
// $SWF_TESTBED_CONFIG. [testbed].namespace must be present and non-empty.
func LoadTestbed(path string) (*Testbed, error) {
	if path == "" {
		path = os.Getenv(EnvTestbedConfig)
	}
	if path == "" {
		return nil, &testbed.ErrConfig{Key: EnvTestbedConfig, Message: "no testbed config path given"}
	}
	sections, err := loadSections(path)
	if err != nil {
		return nil, err
	}
	tb := &Testbed{Sections: sections}
	ts, ok := sections["testbed"]
	if !ok {
		return nil, &testbed.ErrConfig{Key: "testbed", Message: "missing [testbed] section in " + path}
	}
	tb.Namespace, _ = ts["namespace"].(string)
	if tb.Namespace == "" {
		return nil, &testbed.ErrConfig{Key: "testbed.namespace", Message: "namespace is required"}
	}
	if agents, ok := sections["agents"]; ok {
		tb.Agents = make(map[string]bool, len(agents))
		for name, v := range agents {
			enabled, _ := v.(bool)
			tb.Agents[name] = enabled
		}
	}
	return tb, nil
}

// Workflow is a fully expanded workflow configuration: the main file, its
// includes, the testbed overrides and any per-run parameter overrides,
// flattened into named sections.
type Workflow struct {
	Name     string
	Version  string
	sections map[string]map[string]any
}

// LoadWorkflow resolves the configuration for one workflow execution.
// configName may be empty, in which case <workflowName>_default.toml is
// used. Resolution order, earlier wins on key collision:
//
//  1. the main config file
//  2. files listed in [workflow].includes (sections added only when absent,
//     no deep merge)
//
// then testbed sections and params are merged over the result, later wins:
//
//  3. all sections of the testbed config
//  4. params, matched by key across every section except [workflow]
func LoadWorkflow(dir, workflowName, configName string, tb *Testbed, params map[string]any) (*Workflow, error) {
	if configName == "" {
		configName = workflowName + "_default.toml"
	}
	main := filepath.Join(dir, configName)
	sections, err := loadSections(main)
	if err != nil {
		return nil, err
	}

	wf := &Workflow{Name: workflowName, sections: sections}
	meta := sections["workflow"]
	if name, _ := meta["name"].(string); name != "" {
		wf.Name = name
	}
	wf.Version, _ = meta["version"].(string)

	if includes, ok := meta["includes"].([]any); ok {
		for _, inc := range includes {
			name, ok := inc.(string)
			if !ok {
				return nil, &testbed.ErrConfig{Key: "workflow.includes", Message: fmt.Sprintf("non-string include %v", inc)}
			}
			incSections, err := loadSections(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			for sec, keys := range incSections {
				if _, exists := sections[sec]; !exists {
					sections[sec] = keys
				}
			}
		}
	}

	if tb != nil {
		for sec, keys := range tb.Sections {
			dst, ok := sections[sec]
			if !ok {
				dst = make(map[string]any, len(keys))
				sections[sec] = dst
			}
			for k, v := range keys {
				dst[k] = v
			}
		}
	}

	for key, v := range params {
		for sec, keys := range sections {
			if sec == "workflow" {
				continue
			}
			if _, ok := keys[key]; ok {
				keys[key] = v
			}
		}
	}

	return wf, nil
}

// Section returns the named section, or nil when absent. The returned map
// is live; callers must not mutate it.
func (w *Workflow) Section(name string) map[string]any {
	return w.sections[name]
}

// Expanded returns a copy of the full configuration with the includes
// directive stripped. This is the form registered with the monitor as the
// definition's parameter values.
func (w *Workflow) Expanded() map[string]map[string]any {
	out := make(map[string]map[string]any, len(w.sections))
	for sec, keys := range w.sections {
		cp := make(map[string]any, len(keys))
		for k, v := range keys {
			if sec == "workflow" && k == "includes" {
				continue
			}
			cp[k] = v
		}
		out[sec] = cp
	}
	return out
}

// Encode serializes the expanded configuration to TOML. Sections and keys
// are written in sorted order, so encoding the same configuration twice
// produces identical bytes.
func (w *Workflow) Encode() (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(w.Expanded()); err != nil {
		return "", fmt.Errorf("encode workflow config: %w", err)
	}
	return buf.String(), nil
}

// DecodeSection unmarshals one section into a typed struct using TOML field
// tags. A missing section leaves v untouched.
func (w *Workflow) DecodeSection(name string, v any) error {
	sec, ok := w.sections[name]
	if !ok {
		return nil
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(sec); err != nil {
		return fmt.Errorf("section %s: %w", name, err)
	}
	if err := toml.Unmarshal(buf.Bytes(), v); err != nil {
		return &testbed.ErrConfig{Key: name, Message: err.Error()}
	}
	return nil
}

// Float reads a numeric key from a section, returning def when absent.
// TOML integers are widened to float64.
func (w *Workflow) Float(section, key string, def float64) float64 {
	switch v := w.sections[section][key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Int reads an integer key from a section, returning def when absent.
func (w *Workflow) Int(section, key string, def int) int {
	switch v := w.sections[section][key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// String reads a string key from a section, returning def when absent.
func (w *Workflow) String(section, key, def string) string {
	if v, ok := w.sections[section][key].(string); ok {
		return v
	}
	return def
}

// Has reports whether a key is present in a section.
func (w *Workflow) Has(section, key string) bool {
	_, ok := w.sections[section][key]
	return ok
}

// loadSections parses a TOML file into its top-level tables. Non-table
// top-level keys are ignored; the testbed layout keeps everything in
// sections.
func loadSections(path string) (map[string]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &testbed.ErrConfig{Key: path, Message: err.Error()}
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, &testbed.ErrConfig{Key: path, Message: err.Error()}
	}
	sections := make(map[string]map[string]any, len(raw))
	for name, v := range raw {
		if table, ok := v.(map[string]any); ok {
			sections[name] = table
		}
	}
	return sections, nil
}
