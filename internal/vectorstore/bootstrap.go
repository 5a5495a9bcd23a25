package vectorstore

import (
	"context"
	"fmt"

	"chronofact/internal/core"
)

// =============================================================================
// COLLECTION BOOTSTRAP
// =============================================================================

// PostsSpec declares the posts collection: three named dense vectors plus
// the lexical sparse vector, with indexes on every filterable field.
func PostsSpec(textDims, imageDims int) CollectionSpec {
	return CollectionSpec{
		Name: core.CollectionPosts,
		DenseVectors: map[string]int{
			core.VectorText:       textDims,
			core.VectorImage:      imageDims,
			core.VectorMultimodal: imageDims,
		},
		SparseVectors: []string{core.VectorSparse},
		Indexes: []PayloadIndex{
			{Field: "author", Type: IndexKeyword},
			{Field: "location", Type: IndexKeyword},
			{Field: "source_domain", Type: IndexKeyword},
			{Field: "credibility_score", Type: IndexFloat},
			{Field: "is_verified", Type: IndexBool},
			{Field: "has_images", Type: IndexBool},
			{Field: "timestamp", Type: IndexDatetime},
		},
	}
}

// FactsSpec declares the verified-facts collection.
func FactsSpec(textDims int) CollectionSpec {
	return CollectionSpec{
		Name: core.CollectionFacts,
		DenseVectors: map[string]int{
			core.VectorText: textDims,
		},
		Indexes: []PayloadIndex{
			{Field: "verification_status", Type: IndexKeyword},
		},
	}
}

// MemorySpec declares the session-memory collection.
func MemorySpec(textDims int) CollectionSpec {
	return CollectionSpec{
		Name: core.CollectionMemory,
		DenseVectors: map[string]int{
			core.VectorText: textDims,
		},
		Indexes: []PayloadIndex{
			{Field: "session_id", Type: IndexKeyword},
			{Field: "memory_type", Type: IndexKeyword},
			{Field: "relevance_score", Type: IndexFloat},
		},
	}
}

// Bootstrap ensures all three collections exist. Safe to call on every
// start; the setup command and the server both do.
func Bootstrap(ctx context.Context, store Store, textDims, imageDims int) error {
	specs := []CollectionSpec{
		PostsSpec(textDims, imageDims),
		FactsSpec(textDims),
		MemorySpec(textDims),
	}
	for _, spec := range specs {
		if err := store.EnsureCollection(ctx, spec); err != nil {
			return fmt.Errorf("ensure collection %s: %w", spec.Name, err)
		}
	}
	return nil
}
