package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pipevine/pipevine/runtime/workflow"
)

// VectorSearcher is the retrieval collaborator behind RAG steps. One
// collection exists per user; EnsureCollection is idempotent and must
// tolerate concurrent creation across callers.
type VectorSearcher interface {
	// EnsureCollection creates the user's collection if missing.
	EnsureCollection(ctx context.Context, userID string) error

	// Search retrieves up to topK chunks matching the query and renders them
	// as a single markdown document, reranked when requested. topK zero means
	// the searcher default.
	Search(ctx context.Context, userID, query string, topK int, rerank bool) (string, error)
}

// runRAGStep resolves the user's collection and executes retrieval with the
// resolved query.
func (r *Runner) runRAGStep(ctx context.Context, inst *workflow.Instance, si *workflow.StepInstance, stepDef *workflow.Step, query string) (*workflow.StepOutput, error) {
	if r.searcher == nil {
		return nil, errors.New("no vector searcher configured")
	}
	if err := r.searcher.EnsureCollection(ctx, inst.UserID); err != nil {
		return nil, fmt.Errorf("ensure collection for user %s: %w", inst.UserID, err)
	}
	markdown, err := r.searcher.Search(ctx, inst.UserID, query, stepDef.RAG.TopK, stepDef.RAG.Rerank)
	if err != nil {
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	return &workflow.StepOutput{UUID: si.UUID, Markdown: markdown}, nil
}
