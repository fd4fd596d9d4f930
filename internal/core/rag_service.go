package core

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"gwi.com/study-assistant/internal/store"
	"gwi.com/study-assistant/internal/utils"
)

const (
	NumRelevantMaterials = 3   // Number of materials to put in the prompt
	SimilarityThreshold  = 0.7 // Minimum similarity score to consider a material relevant
)

// QueryEmbedder turns a question into the vector space of the stored materials.
type QueryEmbedder interface {
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// MaterialsRetriever ranks study materials against a question by cosine
// similarity, holding every embedded material in memory.
type MaterialsRetriever struct {
	embedder  QueryEmbedder
	materials []store.Material
}

func NewMaterialsRetriever(db *store.SQLiteStore, embedder QueryEmbedder) (*MaterialsRetriever, error) {
	materials, err := db.GetAllMaterials()
	if err != nil {
		return nil, fmt.Errorf("failed to load materials for retrieval: %w", err)
	}
	if len(materials) == 0 {
		log.Println("Warning: materials retriever initialized with no materials. Run the server with -ingest to load them.")
	} else {
		log.Printf("Materials retriever initialized with %d materials.", len(materials))
	}
	return newMaterialsRetriever(materials, embedder), nil
}

func newMaterialsRetriever(materials []store.Material, embedder QueryEmbedder) *MaterialsRetriever {
	return &MaterialsRetriever{embedder: embedder, materials: materials}
}

type ScoredMaterial struct {
	Material   store.Material
	Similarity float32
}

// Rank scores the materials of subject (and unit, when given) against query,
// best first, keeping those at or above SimilarityThreshold.
func (r *MaterialsRetriever) Rank(ctx context.Context, query, subject, unit string) ([]ScoredMaterial, error) {
	if len(r.materials) == 0 {
		return nil, nil
	}
	queryEmbedding, err := r.embedder.GetEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get query embedding: %w", err)
	}

	scored := make([]ScoredMaterial, 0, len(r.materials))
	for _, m := range r.materials {
		if subject != "" && m.Subject != subject {
			continue
		}
		if unit != "" && m.Unit != unit {
			continue
		}
		if len(m.Embedding) == 0 {
			continue
		}
		similarity, err := utils.CosineSimilarity(queryEmbedding, m.Embedding)
		if err != nil {
			log.Printf("Error calculating similarity for material %d: %v. Skipping.", m.ID, err)
			continue
		}
		if similarity >= SimilarityThreshold {
			scored = append(scored, ScoredMaterial{Material: m, Similarity: similarity})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	return scored, nil
}

// RelevantContext renders the best NumRelevantMaterials matches as prompt
// text, or "" when nothing is relevant.
func (r *MaterialsRetriever) RelevantContext(ctx context.Context, query, subject, unit string) (string, error) {
	scored, err := r.Rank(ctx, query, subject, unit)
	if err != nil {
		return "", err
	}
	if len(scored) > NumRelevantMaterials {
		scored = scored[:NumRelevantMaterials]
	}

	var b strings.Builder
	for _, sm := range scored {
		fmt.Fprintf(&b, "## %s\n%s\n\n", sm.Material.Title, sm.Material.Content)
	}
	if len(scored) > 0 {
		log.Printf("Retrieved %d relevant materials for query.", len(scored))
	}
	return strings.TrimSpace(b.String()), nil
}
