package reranker

import (
	"context"
	"errors"
	"testing"

	"github.com/knoguchi/recall/internal/llm"
	"github.com/knoguchi/recall/internal/vectorstore"
)

type fakeLLM struct {
	response string
	err      error
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return f.response, f.err
}

func testCandidates() []vectorstore.Candidate {
	return []vectorstore.Candidate{
		{DocumentID: "doc1", Content: "Paris is the capital of France.", Score: 0.95},
		{DocumentID: "doc2", Content: "France is a country in Europe.", Score: 0.80},
		{DocumentID: "doc3", Content: "The Eiffel Tower is in Paris.", Score: 0.75},
	}
}

func TestRerank_SortsByScore(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{
		response: `{"scores": [{"doc_index": 0, "score": 0.85}, {"doc_index": 1, "score": 0.9}, {"doc_index": 2, "score": 0.6}]}`,
	})

	scored, err := r.Rerank(context.Background(), "capital of France", testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scored) != 3 {
		t.Fatalf("expected 3 scored candidates, got %d", len(scored))
	}
	if scored[0].DocumentID != "doc2" || scored[1].DocumentID != "doc1" || scored[2].DocumentID != "doc3" {
		t.Errorf("expected order doc2,doc1,doc3; got %s,%s,%s",
			scored[0].DocumentID, scored[1].DocumentID, scored[2].DocumentID)
	}
	if scored[0].RerankScore != 0.9 {
		t.Errorf("expected top score 0.9, got %f", scored[0].RerankScore)
	}
}

func TestRerank_MarkdownFencedJSON(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{
		response: "```json\n{\"scores\": [{\"doc_index\": 0, \"score\": 1.0}]}\n```",
	})

	scored, err := r.Rerank(context.Background(), "q", testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scored[0].DocumentID != "doc1" || scored[0].RerankScore != 1.0 {
		t.Errorf("expected doc1 at 1.0, got %s at %f", scored[0].DocumentID, scored[0].RerankScore)
	}
}

func TestRerank_MissingIndexGetsDefault(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{
		response: `{"scores": [{"doc_index": 0, "score": 0.9}]}`,
	})

	scored, err := r.Rerank(context.Background(), "q", testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sc := range scored[1:] {
		if sc.RerankScore != 0.5 {
			t.Errorf("expected default score 0.5 for unscored doc, got %f", sc.RerankScore)
		}
	}
}

func TestRerank_ClampsOutOfRangeScores(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{
		response: `{"scores": [{"doc_index": 0, "score": 5.0}, {"doc_index": 1, "score": -1.0}, {"doc_index": 2, "score": 0.5}]}`,
	})

	scored, err := r.Rerank(context.Background(), "q", testCandidates())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scored[0].RerankScore != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", scored[0].RerankScore)
	}
	if scored[len(scored)-1].RerankScore != 0 {
		t.Errorf("expected clamp to 0, got %f", scored[len(scored)-1].RerankScore)
	}
}

func TestRerank_LLMFailureReturnsTypedError(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{err: errors.New("connection refused")})

	_, err := r.Rerank(context.Background(), "q", testCandidates())
	var rerankErr *Error
	if !errors.As(err, &rerankErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
}

func TestRerank_UnparseableResponseReturnsTypedError(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{response: "I think doc1 is the most relevant."})

	_, err := r.Rerank(context.Background(), "q", testCandidates())
	var rerankErr *Error
	if !errors.As(err, &rerankErr) {
		t.Fatalf("expected *Error for unparseable response, got %v", err)
	}
}

func TestRerank_EmptyCandidates(t *testing.T) {
	r := NewLLMReranker(&fakeLLM{response: "{}"})

	scored, err := r.Rerank(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scored) != 0 {
		t.Errorf("expected no results for empty candidates, got %d", len(scored))
	}
}
