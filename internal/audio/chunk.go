package audio

// DefaultChunkSize is the maximum size of one outbound audio frame
const DefaultChunkSize = 1024

// Chunk slices data into consecutive frames of at most size bytes.
// The frames alias data. No empty trailing frame is produced.
func Chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}

	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end:end])
	}
	return chunks
}
