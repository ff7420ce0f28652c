package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// IsolateService creates isolate-backed boxes. isolate accepts box ids in
// [0, 1000); each worker shard gets a window of ten ids and cycles through
// it, so that two boxes alive at once (communication tasks) never collide.
type IsolateService struct {
	TempDir    string
	Executable string
	UseCgroups bool
	Keep       bool
	ShardIndex int

	log    *logrus.Logger
	nextID atomic.Int64
}

// NewIsolateService returns a box factory rooted at tempDir.
func NewIsolateService(tempDir string, shardIndex int, keep bool, log *logrus.Logger) *IsolateService {
	if log == nil {
		log = logrus.New()
	}
	return &IsolateService{
		TempDir:    tempDir,
		Executable: "isolate",
		UseCgroups: true,
		Keep:       keep,
		ShardIndex: shardIndex,
		log:        log,
	}
}

// NewBox prepares a fresh isolate box. The name only flavours the directory
// prefix for debugging ("compile", "evaluate", ...).
func (s *IsolateService) NewBox(name string) (Box, error) {
	boxID := ((s.ShardIndex+1)*10 + int(s.nextID.Add(1))%10) % 1000

	outer, err := os.MkdirTemp(s.TempDir, fmt.Sprintf("grader-%s-", name))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox dir: %w", err)
	}
	home := filepath.Join(outer, "home")
	if err := os.Mkdir(home, 0o777); err != nil {
		return nil, fmt.Errorf("failed to create sandbox home: %w", err)
	}
	if err := os.Chmod(home, 0o777); err != nil {
		return nil, fmt.Errorf("failed to open sandbox home: %w", err)
	}

	box := &isolateBox{
		service: s,
		boxID:   boxID,
		outer:   outer,
		home:    home,
		log:     s.log.WithField("box", boxID),
	}

	// A previous worker interrupted mid-execution may have left the box id
	// allocated; cleanup is idempotent so always issue it before init.
	_ = box.isolateCall("--cleanup")
	if err := box.isolateCall("--init"); err != nil {
		return nil, fmt.Errorf("failed to initialize sandbox: %w", err)
	}
	return box, nil
}

type isolateBox struct {
	service *IsolateService
	boxID   int
	outer   string
	home    string
	execNum int
	log     *logrus.Entry
}

// homeDest is where the box home is bind-mounted inside the sandbox. Some
// compilers insist on a writable /tmp, which this provides for free.
const homeDest = "/tmp"

func (b *isolateBox) Path(name string) string {
	return filepath.Join(b.home, name)
}

func (b *isolateBox) WriteFile(name string, content []byte, executable bool) error {
	mode := os.FileMode(0o644)
	if executable {
		mode = 0o755
	}
	path := b.Path(name)
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("failed to write %s into sandbox: %w", name, err)
	}
	return os.Chmod(path, mode)
}

func (b *isolateBox) ReadFile(name string, max int64) ([]byte, error) {
	f, err := os.Open(b.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from sandbox: %w", name, err)
	}
	defer f.Close()
	var r io.Reader = f
	if max > 0 {
		r = io.LimitReader(f, max)
	}
	return io.ReadAll(r)
}

func (b *isolateBox) FileExists(name string) bool {
	info, err := os.Stat(b.Path(name))
	return err == nil && !info.IsDir()
}

func (b *isolateBox) FileSize(name string) (int64, error) {
	info, err := os.Stat(b.Path(name))
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s in sandbox: %w", name, err)
	}
	return info.Size(), nil
}

func (b *isolateBox) metaPath() string {
	return filepath.Join(b.outer, fmt.Sprintf("run.log.%d", b.execNum))
}

func (b *isolateBox) Run(cmd Command) (*Report, error) {
	b.execNum++

	args := b.buildArgs(cmd)
	args = append(args, "--")
	args = append(args, cmd.Args...)

	if err := b.applyWritablePaths(cmd.WritablePaths); err != nil {
		return nil, err
	}

	c := exec.Command(b.service.Executable, args...)
	var isolateStderr bytes.Buffer
	c.Stderr = &isolateStderr

	b.log.WithField("argv", cmd.Args).Debug("Executing program in sandbox")
	err := c.Run()
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to launch isolate: %w", err)
		}
		// isolate exits 1 when the inner program was terminated (TO,
		// SG, RE in the meta file) and 2 when the sandbox itself
		// failed; both still produce a meta file.
		if code := exitErr.ExitCode(); code != 1 && code != 2 {
			return nil, fmt.Errorf("unknown isolate exit status %d: %s",
				code, isolateStderr.String())
		}
	}

	meta, err := os.ReadFile(b.metaPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read sandbox meta file: %w", err)
	}
	report, err := parseMeta(meta, cmd.Limits)
	if err != nil {
		return nil, fmt.Errorf("failed to parse sandbox meta file: %w", err)
	}
	return report, nil
}

func (b *isolateBox) buildArgs(cmd Command) []string {
	args := []string{fmt.Sprintf("--box-id=%d", b.boxID)}
	if b.service.UseCgroups {
		args = append(args, "--cg", "--cg-timing")
	}
	args = append(args, "--chdir="+homeDest)
	args = append(args, fmt.Sprintf("--dir=%s=%s:rw", homeDest, b.home))
	for _, mount := range cmd.Mounts {
		args = append(args, "--dir="+mount)
	}

	if cmd.PreserveEnv {
		args = append(args, "--full-env")
	}
	args = append(args, "--env=HOME="+homeDest)
	for k, v := range cmd.Env {
		args = append(args, fmt.Sprintf("--env=%s=%s", k, v))
	}

	l := cmd.Limits
	if l.CPUTime > 0 {
		args = append(args, fmt.Sprintf("--time=%g", l.CPUTime))
	}
	if l.WallTime > 0 {
		args = append(args, fmt.Sprintf("--wall-time=%g", l.WallTime))
	}
	if l.ExtraTime > 0 {
		args = append(args, fmt.Sprintf("--extra-time=%g", l.ExtraTime))
	}
	if l.MemoryKB > 0 {
		if b.service.UseCgroups {
			args = append(args, fmt.Sprintf("--cg-mem=%d", l.MemoryKB))
		} else {
			args = append(args, fmt.Sprintf("--mem=%d", l.MemoryKB))
		}
	}
	if l.StackKB > 0 {
		args = append(args, fmt.Sprintf("--stack=%d", l.StackKB))
	}
	if l.FileSizeKB > 0 {
		args = append(args, fmt.Sprintf("--fsize=%d", l.FileSizeKB))
	}
	if l.DiskQuotaKB > 0 && l.DiskInodes > 0 {
		args = append(args, fmt.Sprintf("--quota=%d,%d", l.DiskQuotaKB, l.DiskInodes))
	}
	if l.Processes > 0 {
		args = append(args, fmt.Sprintf("--processes=%d", l.Processes))
	} else {
		args = append(args, "--processes")
	}

	if cmd.Stdin != "" {
		args = append(args, "--stdin="+filepath.Join(homeDest, cmd.Stdin))
	}
	if cmd.Stdout != "" {
		args = append(args, "--stdout="+filepath.Join(homeDest, cmd.Stdout))
	}
	if cmd.Stderr != "" {
		args = append(args, "--stderr="+filepath.Join(homeDest, cmd.Stderr))
	}

	args = append(args, "--meta="+b.metaPath())
	args = append(args, "--run")
	return args
}

// applyWritablePaths closes the box home and reopens only the given inner
// paths for writing. A nil slice leaves everything writable.
func (b *isolateBox) applyWritablePaths(paths []string) error {
	if paths == nil {
		return nil
	}
	if err := os.Chmod(b.home, 0o755); err != nil {
		return fmt.Errorf("failed to restrict sandbox home: %w", err)
	}
	entries, err := os.ReadDir(b.home)
	if err != nil {
		return fmt.Errorf("failed to list sandbox home: %w", err)
	}
	for _, e := range entries {
		if err := os.Chmod(filepath.Join(b.home, e.Name()), 0o755); err != nil {
			return fmt.Errorf("failed to restrict %s: %w", e.Name(), err)
		}
	}
	for _, p := range paths {
		full := b.Path(p)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			if err := os.WriteFile(full, nil, 0o722); err != nil {
				return fmt.Errorf("failed to create writable %s: %w", p, err)
			}
		}
		if err := os.Chmod(full, 0o722); err != nil {
			return fmt.Errorf("failed to open %s for writing: %w", p, err)
		}
	}
	return nil
}

func (b *isolateBox) Delete() error {
	if b.service.Keep {
		b.log.WithField("path", b.outer).Info("Keeping sandbox for debugging")
		return nil
	}
	// The sandboxed user may have created files our uid cannot remove;
	// chmod from inside the box first, then tear it down.
	_ = b.isolateCall(
		fmt.Sprintf("--dir=%s=%s:rw", homeDest, b.home),
		"--run", "--", "/bin/chmod", "777", "-R", homeDest)
	if err := b.isolateCall("--cleanup"); err != nil {
		return err
	}
	return os.RemoveAll(b.outer)
}

func (b *isolateBox) isolateCall(extra ...string) error {
	args := []string{}
	if b.service.UseCgroups {
		args = append(args, "--cg")
	}
	args = append(args, fmt.Sprintf("--box-id=%d", b.boxID))
	args = append(args, extra...)
	if out, err := exec.Command(b.service.Executable, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("isolate %s failed: %s: %w", extra[len(extra)-1], bytes.TrimSpace(out), err)
	}
	return nil
}
