// Package platform holds the memory-management primitives the code heap is
// built on. The executable mappings allocated here are NOT managed by the Go
// garbage collector and must be released via MunmapCodeSegment.
package platform

// CodeSegmentPageSize is the granularity the mmap'ed code heap grows by.
const CodeSegmentPageSize = 65536
