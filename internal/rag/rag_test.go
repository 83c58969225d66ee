package rag

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finops-core/internal/domain/entity"
)

type stubEmbedder struct{}

func (stubEmbedder) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

type stubStore struct {
	mu       sync.Mutex
	results  []entity.SearchResult
	topK     int
	minScore float32
	filters  map[string]string
	upserts  map[string]map[string]any
}

func (s *stubStore) Search(_ context.Context, _ []float32, topK int, minScore float32, filters map[string]string) ([]entity.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topK, s.minScore, s.filters = topK, minScore, filters
	return s.results, nil
}

func (s *stubStore) Upsert(_ context.Context, id string, _ []float32, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upserts == nil {
		s.upserts = make(map[string]map[string]any)
	}
	s.upserts[id] = payload
	return nil
}

func TestSearchDefaults(t *testing.T) {
	store := &stubStore{}
	s := NewSearch(stubEmbedder{}, store, nil)

	_, err := s.Search(context.Background(), SearchOptions{Query: "q", Sector: "restauration"})
	require.NoError(t, err)
	assert.Equal(t, 5, store.topK)
	assert.InDelta(t, 0.75, store.minScore, 1e-6)
	assert.Equal(t, map[string]string{"sector": "restauration"}, store.filters)

	_, err = s.FindSimilar(context.Background(), "document", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, store.topK)
	assert.InDelta(t, 0.85, store.minScore, 1e-6)
}

func TestBuildContextDedupesAndRanks(t *testing.T) {
	store := &stubStore{results: []entity.SearchResult{
		{Text: "a1", Score: 0.72, Source: "a.md", Category: "ratios", Title: "A"},
		{Text: "b1", Score: 0.91, Source: "b.md", Category: "ratios", Title: "B"},
		{Text: "a2", Score: 0.88, Source: "a.md", Category: "ratios", Title: "A"},
	}}
	b := NewBuilder(NewSearch(stubEmbedder{}, store, nil), 4000)

	rc, err := b.BuildContext(context.Background(), BuildOptions{Query: "marge"})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, store.minScore, 1e-6)

	require.Len(t, rc.Documents, 2)
	assert.Equal(t, "b1", rc.Documents[0].Text)
	assert.Equal(t, "a2", rc.Documents[1].Text)
	assert.Equal(t, []string{"b.md", "a.md"}, rc.Sources)
	assert.Equal(t, "\n[ratios] B\nb1\n\n[ratios] A\na2\n", rc.ContextString)
	// mean(0.91, 0.88) + 0.2
	assert.InDelta(t, 1.0, rc.Confidence, 1e-6)
}

func TestAssembleBudgetDropsOverflowingChunk(t *testing.T) {
	results := []entity.SearchResult{
		{Text: strings.Repeat("x", 30), Score: 0.9, Source: "a", Category: "c", Title: "t"},
		{Text: strings.Repeat("y", 400), Score: 0.8, Source: "b", Category: "c", Title: "t"},
		{Text: "z", Score: 0.75, Source: "c", Category: "c", Title: "t"},
	}
	// the first section is 38 chars, about 9.5 tokens
	rc := Assemble(results, 20)
	assert.Contains(t, rc.ContextString, "xxx")
	assert.NotContains(t, rc.ContextString, "y")
	assert.NotContains(t, rc.ContextString, "z", "assembly stops at the first overflow")
}

func TestAssembleEmptyAndConfidence(t *testing.T) {
	rc := Assemble(nil, 100)
	assert.Equal(t, NoContext, rc.ContextString)
	assert.Zero(t, rc.Confidence)

	rc = Assemble([]entity.SearchResult{{Text: "t", Score: 0.7, Source: "s"}}, 100)
	assert.InDelta(t, 0.8, rc.Confidence, 1e-6)

	rc = Assemble([]entity.SearchResult{{Text: strings.Repeat("t", 1000), Score: 0.7, Source: "s"}}, 10)
	assert.Equal(t, NoContext, rc.ContextString, "nothing fits")
}

func TestGeneratePrompt(t *testing.T) {
	store := &stubStore{results: []entity.SearchResult{{Text: "BFR = stocks + créances - dettes", Score: 0.8, Source: "bfr.md", Category: "ratios", Title: "BFR"}}}
	b := NewBuilder(NewSearch(stubEmbedder{}, store, nil), 0)

	prompt, rc, err := b.GeneratePrompt(context.Background(), BuildOptions{Query: "Comment calculer le BFR ?"})
	require.NoError(t, err)
	assert.Contains(t, prompt, "BFR = stocks")
	assert.Contains(t, prompt, "Sources: bfr.md")
	assert.Contains(t, prompt, "Confiance: 90%")
	assert.True(t, strings.HasSuffix(prompt, "Comment calculer le BFR ?"))
	assert.Len(t, rc.Documents, 1)
}

func TestChunkDocument(t *testing.T) {
	content := "Intro générale\nSecteur: Restauration\n# Ratio de liquidité\nActif courant / passif courant.\n\n## Marge\nMarge brute moyenne 65%.\n#   \n"
	chunks := ChunkDocument(content, "ratios/restauration.md")

	require.Len(t, chunks, 3)
	assert.Equal(t, "restauration", chunks[0].Title)
	assert.Equal(t, "ratios", chunks[0].Category)
	assert.Equal(t, "Ratio de liquidité", chunks[1].Title)
	assert.Equal(t, "restauration", chunks[1].Sector)
	assert.Equal(t, "Marge brute moyenne 65%.", chunks[2].Text)

	assert.Equal(t, "general", ChunkDocument("x", "notes.txt")[0].Category)
}

func TestIngestDirAndCorrections(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "subsidies"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "subsidies", "cir.md"), []byte("# CIR\nCrédit impôt recherche 30%.\n# JEI\nExonérations.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("Base de connaissances."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "data.json"), []byte("{}"), 0o644))

	store := &stubStore{}
	v := NewVectorizer(stubEmbedder{}, store, 2, nil)

	n, err := v.IngestDir(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, store.upserts, 3)

	// re-ingesting overwrites the same ids
	_, err = v.IngestDir(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, store.upserts, 3)

	require.NoError(t, v.AddCorrection(context.Background(), "Seuil TVA ?", "Le seuil de franchise est de 37 500 euros."))
	assert.Len(t, store.upserts, 4)

	var categories []string
	for _, p := range store.upserts {
		categories = append(categories, p["category"].(string))
	}
	assert.ElementsMatch(t, []string{"subsidies", "subsidies", "general", "correction"}, categories)
}
