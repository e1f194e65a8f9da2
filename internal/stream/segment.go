package stream

import (
	"hls-recorder/internal/fetch"
	"hls-recorder/internal/resume"
)

// Segment is one media segment on its way from the playlist to the output.
// The fetch task that creates it owns it until it is admitted to the
// Assembler, which owns it until its bytes are written.
type Segment struct {
	// Seq is the admission sequence number. Output order is Seq order.
	Seq uint64
	// URI is the reference as listed in the playlist.
	URI string
	// URL is URI resolved against the playlist URL.
	URL string
	// Pathname identifies the segment for dedup and resume matching.
	Pathname string
	// Init marks an initialization section.
	Init bool

	Resource fetch.Resource
	// Length is the number of bytes written to the output, set on delivery.
	Length int64
}

// Delivery describes a segment that has been fully written to the output.
type Delivery struct {
	Seq        uint64
	URL        string
	Pathname   string
	Length     int64
	Checkpoint resume.Checkpoint
}
