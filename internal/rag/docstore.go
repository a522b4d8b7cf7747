package rag

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"

	"github.com/cockroachdb/pebble"
)

const (
	defaultMatchThreshold = 0.7
	defaultMatchCount     = 10
)

// ErrRetrieval marks failures while looking up passages for a query.
// Callers are expected to degrade gracefully rather than fail the
// surrounding request.
var ErrRetrieval = errors.New("retrieval failed")

// Document is one embedded chunk of an ingested source.
type Document struct {
	SourceType string            `json:"source_type"`
	SourceId   string            `json:"source_id"`
	Chunk      int               `json:"chunk"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"embedding"`
}

// Passage is a retrieved chunk with its similarity score.
type Passage struct {
	Content    string  `json:"content"`
	SourceType string  `json:"source_type"`
	SourceId   string  `json:"source_id"`
	Score      float64 `json:"score"`
}

// SearchOptions narrow a similarity search. Zero values fall back to
// the defaults (threshold 0.7, top 10 matches, all source types).
type SearchOptions struct {
	MatchThreshold float64
	MatchCount     int
	SourceType     string
}

// DocStore persists embedded document chunks in a local pebble database
// and ranks them by cosine similarity against a query embedding.
type DocStore struct {
	log      *log.Logger
	db       *pebble.DB
	embedder Embedder
}

func OpenDocStore(path string, embedder Embedder, logger *log.Logger) (*DocStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	return &DocStore{log: logger, db: db, embedder: embedder}, nil
}

func (s *DocStore) Close() error {
	return s.db.Close()
}

// Ingest chunks content, embeds each chunk and stores the results,
// replacing any chunks previously ingested for the same source. It
// returns the number of chunks written.
func (s *DocStore) Ingest(sourceType, sourceId, content string, metadata map[string]string) (int, error) {
	chunks := ChunkText(content)
	if len(chunks) == 0 {
		return 0, nil
	}

	lower, upper := sourceBounds(sourceType, sourceId)
	if err := s.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
		return 0, fmt.Errorf("clear previous chunks: %w", err)
	}

	for i, chunk := range chunks {
		vec, err := s.embedder.Embed(chunk)
		if err != nil {
			return i, fmt.Errorf("embed chunk %d: %w", i, err)
		}

		doc := Document{
			SourceType: sourceType,
			SourceId:   sourceId,
			Chunk:      i,
			Content:    chunk,
			Metadata:   metadata,
			Embedding:  vec,
		}

		val, err := json.Marshal(doc)
		if err != nil {
			return i, err
		}

		if err := s.db.Set(docKey(sourceType, sourceId, i), val, pebble.Sync); err != nil {
			return i, fmt.Errorf("store chunk %d: %w", i, err)
		}
	}

	s.log.Printf("ingested %d chunks for %s/%s", len(chunks), sourceType, sourceId)
	return len(chunks), nil
}

// Search embeds the query and returns the stored chunks whose cosine
// similarity meets the threshold, best match first.
func (s *DocStore) Search(query string, opts SearchOptions) ([]Passage, error) {
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = defaultMatchThreshold
	}
	if opts.MatchCount <= 0 {
		opts.MatchCount = defaultMatchCount
	}

	queryVec, err := s.embedder.Embed(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}
	defer iter.Close()

	var passages []Passage
	for iter.First(); iter.Valid(); iter.Next() {
		var doc Document
		if err := json.Unmarshal(iter.Value(), &doc); err != nil {
			s.log.Printf("skipping undecodable chunk %q: %s", iter.Key(), err)
			continue
		}

		if opts.SourceType != "" && doc.SourceType != opts.SourceType {
			continue
		}

		score := cosineSimilarity(queryVec, doc.Embedding)
		if score < opts.MatchThreshold {
			continue
		}

		passages = append(passages, Passage{
			Content:    doc.Content,
			SourceType: doc.SourceType,
			SourceId:   doc.SourceId,
			Score:      score,
		})
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrieval, err)
	}

	slices.SortFunc(passages, func(a, b Passage) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return strings.Compare(a.SourceId, b.SourceId)
		}
	})

	if len(passages) > opts.MatchCount {
		passages = passages[:opts.MatchCount]
	}

	return passages, nil
}

const keyPrefix = "doc/"

func docKey(sourceType, sourceId string, chunk int) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%06d", keyPrefix, sourceType, sourceId, chunk))
}

func sourceBounds(sourceType, sourceId string) (lower, upper []byte) {
	prefix := fmt.Sprintf("%s%s/%s/", keyPrefix, sourceType, sourceId)
	return []byte(prefix), []byte(prefix + "\xff")
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
