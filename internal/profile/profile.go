// Package profile loads the per-subsystem worker configuration document.
//
// The document is a single YAML file whose top-level keys are subsystem
// names. Each subsystem holds up to five named sections that are sent to
// workers verbatim, apart from the per-acquisition field overrides applied by
// the worker client.
package profile

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Section names within a subsystem's profile.
const (
	SectionAcquisition = "acquisition_config"
	SectionStart       = "start_config"
	SectionStop        = "stop_config"
	SectionArm         = "arm_config"
	SectionLiveview    = "lv_config"
)

// Document is one opaque configuration section.
type Document map[string]any

// Profile holds the loaded sections for one subsystem. Read-only after load;
// Section returns deep copies so callers can apply overrides freely.
type Profile struct {
	subsystem string
	sections  map[string]Document
}

// Load reads the document at path and extracts the named subsystem's
// sections. Any failure (missing file, malformed document, absent subsystem
// key) is logged and yields an empty profile; control operations against an
// empty profile fail without reaching the wire.
func Load(path, subsystem string, log *zap.SugaredLogger) *Profile {
	p := &Profile{subsystem: subsystem, sections: map[string]Document{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		log.Errorw("failed to load configuration document",
			"path", path, "subsystem", subsystem, "error", err)
		return p
	}

	var doc map[string]map[string]Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		log.Errorw("malformed configuration document",
			"path", path, "subsystem", subsystem, "error", err)
		return p
	}

	sections, ok := doc[subsystem]
	if !ok {
		log.Errorw("no configuration found for subsystem",
			"path", path, "subsystem", subsystem)
		return p
	}

	for name, section := range sections {
		p.sections[name] = section
	}
	return p
}

// Parse builds a profile from an in-memory YAML document. Used by tests and
// by deployments that inline the document in their own configuration.
func Parse(raw []byte, subsystem string) (*Profile, error) {
	var doc map[string]map[string]Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("profile: parse: %w", err)
	}
	sections, ok := doc[subsystem]
	if !ok {
		return nil, fmt.Errorf("profile: no configuration for subsystem %q", subsystem)
	}
	p := &Profile{subsystem: subsystem, sections: map[string]Document{}}
	for name, section := range sections {
		p.sections[name] = section
	}
	return p, nil
}

// Subsystem returns the subsystem the profile was loaded for.
func (p *Profile) Subsystem() string {
	return p.subsystem
}

// Empty reports whether the profile holds no sections at all.
func (p *Profile) Empty() bool {
	return len(p.sections) == 0
}

// Section returns a deep copy of the named section. The second return value
// is false when the section is absent.
func (p *Profile) Section(name string) (Document, bool) {
	section, ok := p.sections[name]
	if !ok {
		return nil, false
	}
	return copyDocument(section), true
}

// copyDocument deep-copies a section. Nested maps come back as plain
// map[string]any, matching what the wire codec produces.
func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case Document:
		return copyMap(map[string]any(t))
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}
