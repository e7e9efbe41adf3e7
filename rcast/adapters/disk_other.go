//go:build !linux && !darwin

package adapters

import (
	"errors"

	"github.com/ZanzyTHEbar/replaycast/rcast/ports"
)

// StatfsProbe is unavailable on this platform; eviction becomes a no-op.
type StatfsProbe struct{}

func (StatfsProbe) FreeBytes(string) (uint64, error) {
	return 0, errors.New("disk probe not supported on this platform")
}

var _ ports.DiskProbe = StatfsProbe{}
