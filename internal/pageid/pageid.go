// Package pageid implements the 64-bit page identifier layout: a high
// 16-bit segment id and a low 48-bit page index within that segment.
package pageid

const indexBits = 48
const indexMask = (uint64(1) << indexBits) - 1

// SegmentID returns the high 16 bits of pid: the segment that owns the page.
func SegmentID(pid uint64) uint16 {
	return uint16(pid >> indexBits)
}

// PageIndex returns the low 48 bits of pid: the page's index within its segment.
func PageIndex(pid uint64) uint64 {
	return pid & indexMask
}

// Offset returns the byte offset of pid's page within its segment file.
func Offset(pid uint64, pageSize int) uint64 {
	return PageIndex(pid) * uint64(pageSize)
}

// Make composes a page id from a segment id and a page index. PageIndex
// values above the 48-bit range are truncated, mirroring the wire layout.
func Make(segmentID uint16, index uint64) uint64 {
	return uint64(segmentID)<<indexBits | (index & indexMask)
}
