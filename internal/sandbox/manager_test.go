package sandbox

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// fakeDocker implements DockerAPI in memory. Output is delivered over a
// net.Pipe in the stdcopy framing the real daemon uses.
type fakeDocker struct {
	mu sync.Mutex

	imageMissing bool
	pullErr      error
	createErr    error
	attachErr    error
	startErr     error

	exitCode  int64
	oomKilled bool
	// hang keeps the process "running" until killed; used by the timeout and
	// cancellation tests.
	hang bool

	stdout [][]byte
	stderr [][]byte

	pulls    int
	creates  int
	starts   int
	kills    int
	removes  int
	inspects int

	copied   bytes.Buffer
	orphans  []string
	waitCh   chan container.WaitResponse
	procConn net.Conn
}

func (f *fakeDocker) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	if f.imageMissing {
		return types.ImageInspect{}, nil, errors.New("No such image")
	}
	return types.ImageInspect{}, nil, nil
}

func (f *fakeDocker) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls++
	f.mu.Unlock()
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDocker) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "ctr-" + name}, nil
}

func (f *fakeDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	f.mu.Lock()
	f.starts++
	f.mu.Unlock()
	return f.startErr
}

func (f *fakeDocker) ContainerAttach(ctx context.Context, id string, opts container.AttachOptions) (types.HijackedResponse, error) {
	if f.attachErr != nil {
		return types.HijackedResponse{}, f.attachErr
	}

	client, server := net.Pipe()
	f.ensureWait()
	f.mu.Lock()
	f.procConn = server
	f.mu.Unlock()

	go func() {
		outW := stdcopy.NewStdWriter(server, stdcopy.Stdout)
		errW := stdcopy.NewStdWriter(server, stdcopy.Stderr)
		for i := 0; i < len(f.stdout) || i < len(f.stderr); i++ {
			if i < len(f.stdout) {
				outW.Write(f.stdout[i])
			}
			if i < len(f.stderr) {
				errW.Write(f.stderr[i])
			}
		}
		if !f.hang {
			server.Close()
			f.deliverExit()
		}
	}()

	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(client)}, nil
}

func (f *fakeDocker) ensureWait() chan container.WaitResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitCh == nil {
		f.waitCh = make(chan container.WaitResponse, 1)
	}
	return f.waitCh
}

func (f *fakeDocker) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	return f.ensureWait(), make(chan error)
}

func (f *fakeDocker) deliverExit() {
	ch := f.ensureWait()
	select {
	case ch <- container.WaitResponse{StatusCode: f.exitCode}:
	default:
	}
}

func (f *fakeDocker) ContainerKill(ctx context.Context, id, signal string) error {
	f.mu.Lock()
	f.kills++
	conn := f.procConn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (f *fakeDocker) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.mu.Lock()
	f.removes++
	f.mu.Unlock()
	return nil
}

func (f *fakeDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	f.inspects++
	f.mu.Unlock()
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			State: &types.ContainerState{OOMKilled: f.oomKilled},
		},
	}, nil
}

func (f *fakeDocker) ContainerList(ctx context.Context, opts container.ListOptions) ([]types.Container, error) {
	var out []types.Container
	for _, id := range f.orphans {
		out = append(out, types.Container{ID: id})
	}
	return out, nil
}

func (f *fakeDocker) CopyToContainer(ctx context.Context, id, dst string, content io.Reader, opts container.CopyToContainerOptions) error {
	_, err := io.Copy(&f.copied, content)
	return err
}

func (f *fakeDocker) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

func (f *fakeDocker) counts() (creates, removes, kills, pulls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.removes, f.kills, f.pulls
}

func testSpec() Spec {
	return Spec{
		Image:   "python:3.11-slim",
		Cmd:     []string{"python", "-u", "main.py"},
		WorkDir: "/workspace",
		Limits: Limits{
			MemoryBytes: 256 << 20,
			CPUQuota:    50000,
			CPUPeriod:   100000,
			Timeout:     5 * time.Second,
		},
	}
}

func newTestManager(f *fakeDocker) *Manager {
	return NewManager(f, zap.NewNop())
}

func TestCreateSkipsPullWhenImagePresent(t *testing.T) {
	f := &fakeDocker{}
	m := newTestManager(f)

	h, err := m.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if h.State() != StateCreated {
		t.Errorf("state = %s, want created", h.State())
	}
	if _, _, _, pulls := f.counts(); pulls != 0 {
		t.Errorf("pulled %d times for a present image", pulls)
	}
}

func TestCreatePullsMissingImage(t *testing.T) {
	f := &fakeDocker{imageMissing: true}
	m := newTestManager(f)

	if _, err := m.Create(context.Background(), testSpec()); err != nil {
		t.Fatal(err)
	}
	if _, _, _, pulls := f.counts(); pulls != 1 {
		t.Errorf("pulls = %d, want 1", pulls)
	}
}

func TestCreateReportsProvisioningError(t *testing.T) {
	f := &fakeDocker{imageMissing: true, pullErr: errors.New("registry down")}
	m := newTestManager(f)

	_, err := m.Create(context.Background(), testSpec())
	if !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}

	f = &fakeDocker{createErr: errors.New("daemon gone")}
	m = newTestManager(f)
	if _, err := m.Create(context.Background(), testSpec()); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("expected ErrProvisioning, got %v", err)
	}
}

func collectRun(t *testing.T, m *Manager, h *Handle, ctx context.Context) ([]Chunk, Result) {
	t.Helper()
	chunks, results, err := m.Run(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	var got []Chunk
	for c := range chunks {
		got = append(got, c)
	}
	select {
	case res := <-results:
		return got, res
	case <-time.After(5 * time.Second):
		t.Fatal("no result within deadline")
		return nil, Result{}
	}
}

func TestRunStreamsInterleavedOutput(t *testing.T) {
	f := &fakeDocker{
		stdout: [][]byte{[]byte("line 1\n"), []byte("line 2\n")},
		stderr: [][]byte{[]byte("warn\n")},
	}
	m := newTestManager(f)

	h, err := m.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}

	chunks, res := collectRun(t, m, h, context.Background())
	if !res.Success() {
		t.Fatalf("result = %+v, want success", res)
	}
	if h.State() != StateCompleted {
		t.Errorf("state = %s, want completed", h.State())
	}

	var stdout, stderr string
	for _, c := range chunks {
		switch c.Stream {
		case StreamStdout:
			stdout += string(c.Data)
		case StreamStderr:
			stderr += string(c.Data)
		}
	}
	if stdout != "line 1\nline 2\n" {
		t.Errorf("stdout = %q", stdout)
	}
	if stderr != "warn\n" {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunNonzeroExit(t *testing.T) {
	f := &fakeDocker{exitCode: 2, stderr: [][]byte{[]byte("boom\n")}}
	m := newTestManager(f)

	h, _ := m.Create(context.Background(), testSpec())
	_, res := collectRun(t, m, h, context.Background())

	if res.Success() || res.ExitCode != 2 {
		t.Errorf("result = %+v, want exit 2", res)
	}
	if h.State() != StateFailed {
		t.Errorf("state = %s, want failed", h.State())
	}
}

func TestRunReportsOOMKill(t *testing.T) {
	f := &fakeDocker{exitCode: 137, oomKilled: true}
	m := newTestManager(f)

	h, _ := m.Create(context.Background(), testSpec())
	_, res := collectRun(t, m, h, context.Background())

	if !res.OOMKilled {
		t.Errorf("result = %+v, want OOMKilled", res)
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	f := &fakeDocker{hang: true}
	m := newTestManager(f)

	spec := testSpec()
	spec.Limits.Timeout = 30 * time.Millisecond
	h, err := m.Create(context.Background(), spec)
	if err != nil {
		t.Fatal(err)
	}

	_, res := collectRun(t, m, h, context.Background())
	if !res.TimedOut {
		t.Fatalf("result = %+v, want TimedOut", res)
	}
	if h.State() != StateTimedOut {
		t.Errorf("state = %s, want timed_out", h.State())
	}
	if _, _, kills, _ := f.counts(); kills == 0 {
		t.Error("timed-out process was never killed")
	}
}

func TestRunCancellation(t *testing.T) {
	f := &fakeDocker{hang: true}
	m := newTestManager(f)

	h, err := m.Create(context.Background(), testSpec())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, res := collectRun(t, m, h, ctx)
	if !res.Cancelled {
		t.Fatalf("result = %+v, want Cancelled", res)
	}
	if h.State() != StateCancelled {
		t.Errorf("state = %s, want cancelled", h.State())
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	f := &fakeDocker{}
	m := newTestManager(f)

	h, _ := m.Create(context.Background(), testSpec())
	if err := m.Destroy(h); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(h); err != nil {
		t.Fatal(err)
	}

	if _, removes, _, _ := f.counts(); removes != 1 {
		t.Errorf("removes = %d, want exactly 1", removes)
	}
	if h.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", h.State())
	}
}

func TestCancelIsSafeAfterExit(t *testing.T) {
	f := &fakeDocker{}
	m := newTestManager(f)

	h, _ := m.Create(context.Background(), testSpec())
	collectRun(t, m, h, context.Background())

	// Process already exited; cancel must not blow up or change the result.
	m.Cancel(h)
	m.Cancel(h)
}

func TestCopyFilesProducesTar(t *testing.T) {
	f := &fakeDocker{}
	m := newTestManager(f)

	h, _ := m.Create(context.Background(), testSpec())
	files := []File{
		{Name: "main.py", Content: []byte("print('hi')\n")},
		{Name: "data.txt", Content: []byte("42\n")},
	}
	if err := m.CopyFiles(context.Background(), h, files); err != nil {
		t.Fatal(err)
	}

	tr := tar.NewReader(bytes.NewReader(f.copied.Bytes()))
	seen := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		data, _ := io.ReadAll(tr)
		seen[hdr.Name] = string(data)
	}

	if seen["main.py"] != "print('hi')\n" || seen["data.txt"] != "42\n" {
		t.Errorf("tar contents = %v", seen)
	}
}

func TestCleanupOrphans(t *testing.T) {
	f := &fakeDocker{orphans: []string{"a", "b", "c"}}
	m := newTestManager(f)

	n, err := m.CleanupOrphans(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("removed %d orphans, want 3", n)
	}
}
