package index

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/raftkv/raftkv/internal/value"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_]+`)

func tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

// ScoredKey is one (document key, score) result, shared by the inverted
// and embedding indexes.
type ScoredKey struct {
	Key   string
	Score float64
}

const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// InvertedIndex is a BM25-scored full-text index over document text
// extracted by value.Value.Text, ported term for term from the Python
// reference's InvertedIndex.
type InvertedIndex struct {
	// postings[word][key] = term frequency of word in that document.
	postings map[string]map[string]int
	docLen   map[string]int
	docCount int
	avgLen   float64
}

func newInvertedIndex() *InvertedIndex {
	return &InvertedIndex{
		postings: make(map[string]map[string]int),
		docLen:   make(map[string]int),
	}
}

func (idx *InvertedIndex) Add(key string, v value.Value) {
	words := tokenize(v.Text())
	if len(words) == 0 {
		return
	}

	if _, ok := idx.docLen[key]; !ok {
		idx.docCount++
	}

	tf := make(map[string]int)
	for _, w := range words {
		tf[w]++
	}
	for w, freq := range tf {
		if idx.postings[w] == nil {
			idx.postings[w] = make(map[string]int)
		}
		idx.postings[w][key] = freq
	}

	idx.docLen[key] = len(words)
	idx.recomputeAvgLen()
}

func (idx *InvertedIndex) Remove(key string) {
	if _, ok := idx.docLen[key]; !ok {
		return
	}
	for word, docs := range idx.postings {
		if _, ok := docs[key]; ok {
			delete(docs, key)
			if len(docs) == 0 {
				delete(idx.postings, word)
			}
		}
	}
	delete(idx.docLen, key)
	idx.docCount--
	idx.recomputeAvgLen()
}

func (idx *InvertedIndex) recomputeAvgLen() {
	if idx.docCount <= 0 {
		idx.avgLen = 0
		return
	}
	sum := 0
	for _, l := range idx.docLen {
		sum += l
	}
	idx.avgLen = float64(sum) / float64(idx.docCount)
}

// Search ranks documents by BM25 relevance to query and returns the top_k
// highest-scoring (key, score) pairs, descending by score.
func (idx *InvertedIndex) Search(query string, topK int) []ScoredKey {
	words := tokenize(query)
	if len(words) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	avgLen := idx.avgLen
	if avgLen <= 0 {
		avgLen = 1
	}

	for _, w := range words {
		docs := idx.postings[w]
		if len(docs) == 0 {
			continue
		}
		idf := math.Log((float64(idx.docCount-len(docs))+0.5)/(float64(len(docs))+0.5) + 1)

		for key, tf := range docs {
			docLen := idx.docLen[key]
			if docLen == 0 {
				docLen = 1
			}
			numerator := float64(tf) * (bm25K1 + 1)
			denominator := float64(tf) + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgLen)
			scores[key] += idf * numerator / denominator
		}
	}

	return topScored(scores, topK)
}

func topScored(scores map[string]float64, topK int) []ScoredKey {
	results := make([]ScoredKey, 0, len(scores))
	for k, s := range scores {
		results = append(results, ScoredKey{Key: k, Score: s})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Key < results[j].Key
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
