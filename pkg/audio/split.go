package audio

import "iter"

// Chunk is one upload unit of a [Payload]. Chunks produced by [Split] have
// contiguous indices starting at 0 and concatenate back to the payload.
type Chunk struct {
	// Index is the position of the chunk in the upload sequence.
	Index int

	// Data aliases the payload bytes. Callers must not modify it.
	Data []byte
}

// Split returns a lazy sequence of chunks of at most size bytes. The final
// chunk may be shorter. An empty payload yields no chunks. A non-positive
// size falls back to [DefaultChunkSize].
//
// The sequence holds no state between iterations, so ranging over it twice
// yields the same chunks.
func Split(p Payload, size int) iter.Seq[Chunk] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func(Chunk) bool) {
		for i, off := 0, 0; off < len(p.Data); i, off = i+1, off+size {
			end := min(off+size, len(p.Data))
			if !yield(Chunk{Index: i, Data: p.Data[off:end:end]}) {
				return
			}
		}
	}
}

// ChunkCount returns how many chunks [Split] produces for n bytes.
func ChunkCount(n, size int) int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if n <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
