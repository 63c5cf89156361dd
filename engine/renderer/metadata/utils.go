package metadata

// GetAligned rounds operand up to the next multiple of granularity, which
// must be a power of two.
func GetAligned(operand, granularity uint64) uint64 {
	return (operand + (granularity - 1)) &^ (granularity - 1)
}

func GetAlignedRange(offset, size, granularity uint64) *MemoryRange {
	return &MemoryRange{
		Offset: GetAligned(offset, granularity),
		Size:   GetAligned(size, granularity),
	}
}

type MemoryRange struct {
	Offset uint64
	Size   uint64
}
