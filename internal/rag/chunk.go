package rag

const (
	chunkSize    = 1000
	chunkOverlap = 200
)

// ChunkText splits a document into fixed-size overlapping chunks for
// embedding. Boundaries are rune-based so multi-byte characters are
// never split.
func ChunkText(text string) []string {
	runes := []rune(text)

	var chunks []string
	for start := 0; start < len(runes); start += chunkSize - chunkOverlap {
		end := start + chunkSize
		if end > len(runes) {
			end = len(runes)
		}

		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}

	return chunks
}
