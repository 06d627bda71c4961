package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveKnownLanguages(t *testing.T) {
	r := New()
	for _, id := range []string{"python", "javascript", "java", "cpp", "html", "shell"} {
		d, err := r.Resolve(id)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", id, err)
		}
		if d.ID != id {
			t.Errorf("Resolve(%q) returned descriptor for %q", id, d.ID)
		}
	}
}

func TestResolveUnknownLanguage(t *testing.T) {
	r := New()
	_, err := r.Resolve("fortran")
	if !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("expected ErrUnknownLanguage, got %v", err)
	}
}

// The network and install columns are a contract other components rely on.
func TestNetworkAndInstallDefaults(t *testing.T) {
	cases := []struct {
		id       string
		network  bool
		installs bool
	}{
		{"python", false, true},
		{"javascript", false, true},
		{"java", false, false},
		{"cpp", false, false},
		{"html", false, false},
		{"shell", true, false},
	}

	r := New()
	for _, c := range cases {
		d, err := r.Resolve(c.id)
		if err != nil {
			t.Fatal(err)
		}
		if d.NetworkEnabled != c.network {
			t.Errorf("%s: NetworkEnabled = %v, want %v", c.id, d.NetworkEnabled, c.network)
		}
		if d.SupportsInstall != c.installs {
			t.Errorf("%s: SupportsInstall = %v, want %v", c.id, d.SupportsInstall, c.installs)
		}
	}
}

func TestPreviewOnlyForHTML(t *testing.T) {
	r := New()
	for _, id := range r.IDs() {
		d, _ := r.Resolve(id)
		if d.Preview != (id == "html") {
			t.Errorf("%s: Preview = %v", id, d.Preview)
		}
	}
}

func TestBuildCommandPython(t *testing.T) {
	r := New()
	d, _ := r.Resolve("python")
	cmd := d.BuildCommand("print('hi')")

	want := []string{"python", "-u", "main.py"}
	if len(cmd) != len(want) {
		t.Fatalf("BuildCommand = %v, want %v", cmd, want)
	}
	for i := range want {
		if cmd[i] != want[i] {
			t.Fatalf("BuildCommand = %v, want %v", cmd, want)
		}
	}
}

func TestBuildCommandJavaClassName(t *testing.T) {
	r := New()
	d, _ := r.Resolve("java")

	code := "public class Fibonacci {\n  public static void main(String[] a) {}\n}"
	if got := d.EntryFileName(code); got != "Fibonacci.java" {
		t.Errorf("EntryFileName = %q", got)
	}

	cmd := d.BuildCommand(code)
	if !strings.Contains(cmd[2], "javac Fibonacci.java") {
		t.Errorf("compile step missing class file: %q", cmd[2])
	}
	if !strings.Contains(cmd[2], "java -cp . Fibonacci") {
		t.Errorf("run step missing class name: %q", cmd[2])
	}
}

func TestJavaClassNameFallback(t *testing.T) {
	if got := JavaClassName("class lowercase {}"); got != "Main" {
		t.Errorf("JavaClassName fallback = %q, want Main", got)
	}
}

func TestBuildCommandShellInlinesCode(t *testing.T) {
	r := New()
	d, _ := r.Resolve("shell")
	cmd := d.BuildCommand("echo hi")
	if cmd[2] != "echo hi" {
		t.Errorf("shell command = %v", cmd)
	}
}

func TestBuildInstallCommand(t *testing.T) {
	r := New()
	d, _ := r.Resolve("python")
	got := d.BuildInstallCommand([]string{"requests", "numpy"})
	if got != "pip install --no-cache-dir requests numpy" {
		t.Errorf("BuildInstallCommand = %q", got)
	}
}

func TestApplyOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte("python:\n  image: python:3.12-slim\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	if err := r.ApplyOverrides(path); err != nil {
		t.Fatal(err)
	}
	d, _ := r.Resolve("python")
	if d.Image != "python:3.12-slim" {
		t.Errorf("override not applied, image = %q", d.Image)
	}
}

func TestApplyOverridesUnknownLanguage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	if err := os.WriteFile(path, []byte("cobol:\n  image: cobol:latest\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	if err := r.ApplyOverrides(path); !errors.Is(err, ErrUnknownLanguage) {
		t.Fatalf("expected ErrUnknownLanguage, got %v", err)
	}
}
