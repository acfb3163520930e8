package backend

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Manifest lists the installed backends and their voices.
type Manifest struct {
	Backends []BackendSpec `yaml:"backends"`
}

// BackendSpec describes one backend in the manifest.
type BackendSpec struct {
	Type          string            `yaml:"type"`
	Prefix        string            `yaml:"prefix,omitempty"`
	CorePath      string            `yaml:"core_path"`
	Layout        string            `yaml:"layout,omitempty"`
	RequiredFiles []string          `yaml:"required_files,omitempty"`
	Options       map[string]string `yaml:"options,omitempty"`
	Voices        []VoiceSpec       `yaml:"voices"`
}

// VoiceSpec describes one voice in the manifest.
type VoiceSpec struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name,omitempty"`
	Model     string `yaml:"model,omitempty"`
	SpeakerID *int   `yaml:"speaker_id,omitempty"`
}

// LoadManifest reads and validates a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return Manifest{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	for i := range m.Backends {
		b := &m.Backends[i]
		if b.Prefix == "" {
			b.Prefix = b.Type
		}
		expanded, err := homedir.Expand(b.CorePath)
		if err != nil {
			return Manifest{}, fmt.Errorf("backend %s: %w", b.Type, err)
		}
		b.CorePath = expanded
	}
	return m, nil
}

// Validate ensures the manifest contains required fields and that voice
// ids live in their backend's namespace.
func (m Manifest) Validate() error {
	seen := make(map[string]bool)
	for i, b := range m.Backends {
		if b.Type == "" {
			return fmt.Errorf("backends[%d].type is required", i)
		}
		prefix := b.Prefix
		if prefix == "" {
			prefix = b.Type
		}
		if seen[prefix] {
			return fmt.Errorf("backends[%d]: prefix %q used twice", i, prefix)
		}
		seen[prefix] = true

		for j, v := range b.Voices {
			if v.ID == "" {
				return fmt.Errorf("backends[%d].voices[%d].id is required", i, j)
			}
			if !strings.HasPrefix(v.ID, prefix+":") {
				return fmt.Errorf("voice %q must start with %q", v.ID, prefix+":")
			}
		}
	}
	return nil
}

// ShellConfig converts the spec into a ShellConfig. NewNative is left for
// the caller to fill in.
func (b BackendSpec) ShellConfig() ShellConfig {
	cfg := ShellConfig{
		Type:          b.Type,
		Prefix:        b.Prefix,
		CorePath:      b.CorePath,
		RequiredFiles: b.RequiredFiles,
	}
	if len(cfg.RequiredFiles) == 0 && b.Layout == "supertonic" {
		cfg.RequiredFiles = SupertonicCoreFiles
	}
	for _, v := range b.Voices {
		cfg.Voices = append(cfg.Voices, Voice{
			ID:        v.ID,
			Name:      v.Name,
			ModelPath: v.Model,
			SpeakerID: v.SpeakerID,
		})
	}
	return cfg
}
