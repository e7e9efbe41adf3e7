//go:build linux || darwin

package adapters

import (
	"fmt"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
	"golang.org/x/sys/unix"
)

// StatfsProbe reports free space available to unprivileged users.
type StatfsProbe struct{}

// FreeBytes returns the available bytes on the filesystem holding path.
func (StatfsProbe) FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("failed to statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

var _ ports.DiskProbe = StatfsProbe{}
