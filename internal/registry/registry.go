// Package registry holds the static environment table: one immutable
// descriptor per supported language, resolved once per execution request.
package registry

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownLanguage is returned by Resolve for an unsupported language id.
var ErrUnknownLanguage = fmt.Errorf("unknown language")

// Descriptor describes how to run one supported language.
// Descriptors are built at startup and never mutated.
type Descriptor struct {
	ID        string
	Image     string
	EntryFile string

	// RunCommand is the argv template. Placeholders: {file} expands to the
	// entry file path inside the workdir, {classname} to the extracted Java
	// main class, {code} to the raw submitted source (shell only).
	RunCommand []string

	// NetworkEnabled is the network default for user code. Install sandboxes
	// get the network regardless (see SupportsInstall).
	NetworkEnabled bool

	SupportsInstall bool
	PackageManager  string
	// InstallCommand is a shell template with a {packages} placeholder.
	InstallCommand string

	// Preview marks a markup environment: no process runs, the source is
	// returned as a rendered artifact instead.
	Preview bool

	// Template is the starter snippet exposed to clients.
	Template string
}

// Registry is a read-only language-id lookup.
type Registry struct {
	byID map[string]Descriptor
}

// New builds the registry from the built-in table.
func New() *Registry {
	r := &Registry{byID: make(map[string]Descriptor, len(builtin))}
	for _, d := range builtin {
		r.byID[d.ID] = d
	}
	return r
}

// Resolve returns the descriptor for id or ErrUnknownLanguage.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownLanguage, id)
	}
	return d, nil
}

// IDs returns the supported language ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.byID))
	for _, d := range builtin {
		if _, ok := r.byID[d.ID]; ok {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// Override adjusts a subset of descriptor fields from configuration.
// Only operational knobs are overridable; command templates are not.
type Override struct {
	Image string `yaml:"image"`
}

// ApplyOverrides merges a YAML override file into the registry. Unknown
// language ids in the file are rejected so typos fail at startup.
func (r *Registry) ApplyOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading registry overrides: %w", err)
	}

	var overrides map[string]Override
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parsing registry overrides: %w", err)
	}

	for id, o := range overrides {
		d, ok := r.byID[id]
		if !ok {
			return fmt.Errorf("registry overrides: %w: %q", ErrUnknownLanguage, id)
		}
		if o.Image != "" {
			d.Image = o.Image
		}
		r.byID[id] = d
	}
	return nil
}

var javaClassRe = regexp.MustCompile(`public\s+class\s+(\w+)`)

// JavaClassName extracts the public class name from Java source,
// falling back to Main.
func JavaClassName(code string) string {
	if m := javaClassRe.FindStringSubmatch(code); m != nil {
		return m[1]
	}
	return "Main"
}

// BuildCommand expands a descriptor's run command template for the given
// source code. The entry file is addressed relative to the sandbox workdir.
func (d Descriptor) BuildCommand(code string) []string {
	entry := d.EntryFile
	if d.ID == "java" {
		entry = JavaClassName(code) + ".java"
	}

	cmd := make([]string, 0, len(d.RunCommand))
	for _, part := range d.RunCommand {
		part = strings.ReplaceAll(part, "{file}", entry)
		part = strings.ReplaceAll(part, "{classname}", JavaClassName(code))
		part = strings.ReplaceAll(part, "{code}", code)
		cmd = append(cmd, part)
	}
	return cmd
}

// EntryFileName returns the filename the submitted source is written to.
func (d Descriptor) EntryFileName(code string) string {
	if d.ID == "java" {
		return JavaClassName(code) + ".java"
	}
	return d.EntryFile
}

// BuildInstallCommand expands the install command template for a package list.
func (d Descriptor) BuildInstallCommand(packages []string) string {
	return strings.ReplaceAll(d.InstallCommand, "{packages}", strings.Join(packages, " "))
}
