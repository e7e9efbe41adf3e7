package ports

// DiskProbe reports free space for the filesystem holding path.
type DiskProbe interface {
	FreeBytes(path string) (uint64, error)
}
