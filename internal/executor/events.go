package executor

import "time"

// Kind discriminates the typed units of an execution's output stream.
type Kind string

const (
	KindStatus            Kind = "status"
	KindStdout            Kind = "stdout"
	KindStderr            Kind = "stderr"
	KindPreview           Kind = "preview"
	KindDependencyMissing Kind = "dependency_missing"
	KindInstallStart      Kind = "install_start"
	KindInstallResult     Kind = "install_result"
	KindComplete          Kind = "complete"
)

// Terminal tags carried on failed complete events.
const (
	TagValidation   = "validation"
	TagProvisioning = "provisioning"
	TagTimedOut     = "timed_out"
	TagOutOfMemory  = "out_of_memory"
	TagCancelled    = "cancelled"
)

// Event is one ordered unit of the stream delivered to a caller. Seq is
// assigned by the delivering session, monotonically per connection.
type Event struct {
	Kind      Kind      `json:"type"`
	Content   string    `json:"content,omitempty"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`

	// dependency_missing fields.
	PackageName    string `json:"package_name,omitempty"`
	PackageManager string `json:"package_manager,omitempty"`
	InstallCommand string `json:"install_command,omitempty"`

	// install_result and complete fields.
	Success   *bool  `json:"success,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

func boolp(b bool) *bool { return &b }

func statusEvent(msg string) Event {
	return Event{Kind: KindStatus, Content: msg}
}

func completeEvent(success bool, elapsed time.Duration, tag string) Event {
	return Event{
		Kind:      KindComplete,
		Success:   boolp(success),
		ElapsedMS: elapsed.Milliseconds(),
		Tag:       tag,
	}
}
