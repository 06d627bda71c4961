// Package depdetect recognizes missing-package error signatures in captured
// execution output and extracts an installable package name.
package depdetect

import (
	"regexp"
	"strings"
)

// Suggestion is one detected missing dependency with its install command.
type Suggestion struct {
	PackageManager string
	PackageName    string
	InstallCommand string
}

type pattern struct {
	manager string
	re      *regexp.Regexp
}

// Per-language error signatures. Languages without a package manager have no
// entry and never produce a suggestion.
var patterns = map[string][]pattern{
	"python": {
		{"pip", regexp.MustCompile(`ModuleNotFoundError: No module named '(\w+)'`)},
		{"pip", regexp.MustCompile(`ImportError: No module named (\S+)`)},
	},
	"javascript": {
		{"npm", regexp.MustCompile(`Cannot find module '([\w\-@/:.]+)'`)},
		{"npm", regexp.MustCompile(`Error \[ERR_MODULE_NOT_FOUND\].*'([\w\-@/:.]+)'`)},
	},
}

var installTemplates = map[string]string{
	"pip": "pip install --no-cache-dir %s",
	"npm": "npm install %s",
}

// Detect scans combined stdout/stderr text for a missing-dependency signature.
// It returns false when no pattern matches, when the language has no package
// manager, or when more than one distinct package is implicated: ambiguous
// output is deliberately left to the caller rather than auto-resolved.
func Detect(output, languageID string) (Suggestion, bool) {
	all := Suggestions(output, languageID)
	if len(all) != 1 {
		return Suggestion{}, false
	}
	return all[0], true
}

// Suggestions returns every distinct missing package found in the output,
// in first-seen order.
func Suggestions(output, languageID string) []Suggestion {
	langPatterns, ok := patterns[languageID]
	if !ok {
		return nil
	}

	var out []Suggestion
	seen := make(map[string]bool)
	for _, p := range langPatterns {
		for _, m := range p.re.FindAllStringSubmatch(output, -1) {
			name := barePackageName(m[1])
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, Suggestion{
				PackageManager: p.manager,
				PackageName:    name,
				InstallCommand: InstallCommand(p.manager, name),
			})
		}
	}
	return out
}

// InstallCommand renders the suggested shell command for one package.
func InstallCommand(manager, name string) string {
	tmpl, ok := installTemplates[manager]
	if !ok {
		return ""
	}
	return strings.Replace(tmpl, "%s", name, 1)
}

// barePackageName strips subpath and version qualifiers: "lodash/fp" installs
// as "lodash", "@scope/pkg/util" as "@scope/pkg", "requests==2.0" as
// "requests". Node built-ins prefixed with "node:" are not installable.
func barePackageName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" || strings.HasPrefix(name, "node:") || strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "/") {
		return ""
	}

	for _, sep := range []string{"==", ">=", "<="} {
		if i := strings.Index(name, sep); i >= 0 {
			name = name[:i]
		}
	}
	// npm version suffix (pkg@1.2.3); the leading @ of a scope is not one.
	if i := strings.Index(name[1:], "@"); i >= 0 {
		name = name[:i+1]
	}

	parts := strings.Split(name, "/")
	if strings.HasPrefix(name, "@") {
		// Scoped npm package: keep @scope/name.
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1]
		}
		return ""
	}
	return parts[0]
}
