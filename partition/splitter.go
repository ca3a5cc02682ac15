// Package partition implements the partition step (spec §4.2): split
// extracted text into overlapping chunks sized by actual model tokens,
// never splitting inside a sentence when a sentence boundary is
// available.
package partition

import (
	_ "embed"
	"fmt"

	"github.com/neurosnap/sentences"
	"github.com/pkoukk/tiktoken-go"
)

//go:embed training_data.json
var defaultTrainingData []byte

const (
	// DefaultChunkSize is the target number of tokens per chunk.
	DefaultChunkSize = 512
	// DefaultOverlap is the number of overlapping tokens carried
	// forward into the next chunk, so retrieval context at a chunk
	// boundary isn't lost (spec §4.2).
	DefaultOverlap = 50

	defaultEncoding = "cl100k_base"
)

// Chunk is one piece of partitioned text with its token count already
// computed, so downstream steps (embedding batching) don't re-tokenize.
type Chunk struct {
	Text      string
	Index     int
	Tokens    int
	SectionN  int
}

// Splitter groups sentences into token-bounded, overlapping chunks.
type Splitter struct {
	enc          *tiktoken.Tiktoken
	sentTokenizer *sentences.DefaultSentenceTokenizer
	chunkSize    int
	overlap      int
}

// New builds a Splitter. chunkSize <= 0 falls back to DefaultChunkSize
// and a negative overlap to DefaultOverlap; an overlap of 0 disables
// overlap.
func New(chunkSize, overlap int) (*Splitter, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	enc, err := tiktoken.GetEncoding(defaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("partition: load encoding %s: %w", defaultEncoding, err)
	}
	storage, err := sentences.LoadTraining(defaultTrainingData)
	if err != nil {
		return nil, fmt.Errorf("partition: load sentence training data: %w", err)
	}
	return &Splitter{
		enc:           enc,
		sentTokenizer: sentences.NewSentenceTokenizer(storage),
		chunkSize:     chunkSize,
		overlap:       overlap,
	}, nil
}

// CountTokens exposes the encoder's token count for one string; Split
// uses it to size each sentence.
func (s *Splitter) CountTokens(text string) int {
	return len(s.enc.Encode(text, nil, nil))
}

// Split breaks text into sentences, then greedily packs sentences into
// chunks of at most chunkSize tokens, carrying the trailing `overlap`
// tokens' worth of sentences into the start of the next chunk.
func (s *Splitter) Split(text string) []Chunk {
	if text == "" {
		return nil
	}

	sents := s.sentTokenizer.Tokenize(text)
	if len(sents) == 0 {
		return nil
	}
	sentTexts := make([]string, len(sents))
	sentTokens := make([]int, len(sents))
	for i, sent := range sents {
		sentTexts[i] = sent.Text
		sentTokens[i] = s.CountTokens(sent.Text)
	}

	var chunks []Chunk
	start := 0
	for start < len(sentTexts) {
		end := start
		tokens := 0
		var text string
		for end < len(sentTexts) {
			if tokens+sentTokens[end] > s.chunkSize && tokens > 0 {
				break
			}
			if text != "" {
				text += " "
			}
			text += sentTexts[end]
			tokens += sentTokens[end]
			end++
		}

		chunks = append(chunks, Chunk{Text: text, Index: len(chunks), Tokens: tokens})

		overlapTokens := 0
		newStart := end
		for newStart > start && overlapTokens < s.overlap {
			newStart--
			overlapTokens += sentTokens[newStart]
		}
		if newStart == start {
			start = end // always make forward progress
		} else {
			start = newStart
		}
	}
	return chunks
}
