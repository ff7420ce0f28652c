package worker

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// fifoDir is a host directory of named pipes shared between sandboxes via a
// bind mount. World-writable modes are required because the processes inside
// the boxes run under different uids.
type fifoDir struct {
	hostPath string
}

func newFifoDir(tempDir string) (*fifoDir, error) {
	path, err := os.MkdirTemp(tempDir, "fifo-")
	if err != nil {
		return nil, fmt.Errorf("failed to create fifo dir: %w", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("failed to open fifo dir: %w", err)
	}
	return &fifoDir{hostPath: path}, nil
}

// Make creates one named pipe inside the directory.
func (d *fifoDir) Make(name string) error {
	path := filepath.Join(d.hostPath, name)
	if err := unix.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("failed to create fifo %s: %w", name, err)
	}
	// Mkfifo is subject to the umask.
	if err := os.Chmod(path, 0o666); err != nil {
		return fmt.Errorf("failed to open fifo %s: %w", name, err)
	}
	return nil
}

// Mount renders the isolate mapping of the directory to dest, read-write.
func (d *fifoDir) Mount(dest string) string {
	return fmt.Sprintf("%s=%s:rw", dest, d.hostPath)
}

func (d *fifoDir) Remove() error {
	return os.RemoveAll(d.hostPath)
}
