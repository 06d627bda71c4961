package executor

import "regexp"

// The shell environment runs arbitrary commands with network access, so
// obviously destructive ones are screened out before a sandbox exists.
// This is a coarse filter, not a security boundary; the container still
// confines whatever gets through.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+-rf\s+/`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{.*\}\s*;?\s*:`), // fork bomb
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bshutdown\b`),
	regexp.MustCompile(`(?i)\breboot\b`),
}

// safeShellCommand reports whether a shell submission passes the deny screen.
func safeShellCommand(command string) bool {
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return false
		}
	}
	return true
}

var unsafeNameChars = regexp.MustCompile(`[^\w\-.]`)

// sanitizeFileName strips path components and unexpected characters from a
// client-supplied file name.
func sanitizeFileName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' || name[i] == '\\' {
			name = name[i+1:]
			break
		}
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}

var packageNameRe = regexp.MustCompile(`^[A-Za-z0-9@][\w\-@/.]*$`)

// validPackageName rejects package names that could smuggle shell syntax
// into the install command.
func validPackageName(name string) bool {
	return packageNameRe.MatchString(name)
}
