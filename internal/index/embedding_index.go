package index

import (
	"math"

	"github.com/raftkv/raftkv/internal/value"
)

// EmbeddingIndex is a TF-IDF bag-of-words index with cosine similarity
// ranking, ported from the Python reference's EmbeddingIndex: log-
// normalized term frequency stored per document, IDF applied at query
// time from corpus-wide document frequencies.
type EmbeddingIndex struct {
	vectors  map[string]map[string]float64 // key -> word -> log-normalized TF
	docFreq  map[string]int
	docCount int
}

func newEmbeddingIndex() *EmbeddingIndex {
	return &EmbeddingIndex{
		vectors: make(map[string]map[string]float64),
		docFreq: make(map[string]int),
	}
}

func computeTF(words []string) map[string]float64 {
	counts := make(map[string]float64)
	for _, w := range words {
		counts[w]++
	}
	tf := make(map[string]float64, len(counts))
	for w, c := range counts {
		tf[w] = 1 + math.Log(c)
	}
	return tf
}

func (idx *EmbeddingIndex) Add(key string, v value.Value) {
	words := tokenize(v.Text())
	if len(words) == 0 {
		return
	}

	if old, ok := idx.vectors[key]; ok {
		for w := range old {
			idx.docFreq[w]--
			if idx.docFreq[w] <= 0 {
				delete(idx.docFreq, w)
			}
		}
	} else {
		idx.docCount++
	}

	tf := computeTF(words)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if !seen[w] {
			idx.docFreq[w]++
			seen[w] = true
		}
	}
	idx.vectors[key] = tf
}

func (idx *EmbeddingIndex) Remove(key string) {
	tf, ok := idx.vectors[key]
	if !ok {
		return
	}
	for w := range tf {
		idx.docFreq[w]--
		if idx.docFreq[w] <= 0 {
			delete(idx.docFreq, w)
		}
	}
	delete(idx.vectors, key)
	idx.docCount--
}

func (idx *EmbeddingIndex) tfidf(tf map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(tf))
	for w, val := range tf {
		df := idx.docFreq[w]
		if df > 0 && idx.docCount > 0 {
			out[w] = val * math.Log(float64(idx.docCount)/float64(df))
		}
	}
	return out
}

func cosineSimilarity(a, b map[string]float64) float64 {
	var dot, magA, magB float64
	for w, av := range a {
		dot += av * b[w]
		magA += av * av
	}
	for _, bv := range b {
		magB += bv * bv
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// SemanticSearch ranks documents by cosine similarity of their TF-IDF
// vector to the query's, returning the top_k most similar (key, score)
// pairs with strictly positive similarity, descending by score.
func (idx *EmbeddingIndex) SemanticSearch(query string, topK int) []ScoredKey {
	words := tokenize(query)
	if len(words) == 0 {
		return nil
	}
	queryVec := idx.tfidf(computeTF(words))

	scores := make(map[string]float64)
	for key, tf := range idx.vectors {
		docVec := idx.tfidf(tf)
		if sim := cosineSimilarity(queryVec, docVec); sim > 0 {
			scores[key] = sim
		}
	}
	return topScored(scores, topK)
}
