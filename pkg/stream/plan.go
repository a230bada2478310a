package stream

// plan describes how an inclusive byte range [from, until] maps onto the
// aligned chunk run that must be fetched to serve it.
type plan struct {
	// offset is the aligned start of the chunk run.
	offset int64

	// firstCut is how many bytes to drop from the first chunk.
	firstCut int

	// lastCut is how many bytes of the last chunk to keep.
	lastCut int

	// parts is the number of chunks in the run.
	parts int
}

// planRange computes the chunk run covering [from, until]. Callers must
// have validated 0 <= from <= until already.
//
// parts counts whole chunks from the one containing from through the one
// containing until; this stays correct when until lands exactly on a chunk
// boundary, where a ceil over until alone would drop the final chunk.
func planRange(from, until int64, chunkSize int64) plan {
	offset := from - (from % chunkSize)
	return plan{
		offset:   offset,
		firstCut: int(from - offset),
		lastCut:  int(until%chunkSize) + 1,
		parts:    int(until/chunkSize - offset/chunkSize + 1),
	}
}

// length returns the number of bytes the plan yields after trimming.
func (p plan) length(chunkSize int64) int64 {
	if p.parts == 1 {
		return int64(p.lastCut - p.firstCut)
	}
	return chunkSize - int64(p.firstCut) +
		chunkSize*int64(p.parts-2) +
		int64(p.lastCut)
}
