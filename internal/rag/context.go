package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"finops-core/internal/domain/entity"
)

// NoContext is returned instead of an empty context string.
const NoContext = "Aucun contexte pertinent trouvé."

const (
	contextTopK     = 5
	contextMinScore = 0.7
	tokensPerChar   = 0.25
)

type BuildOptions struct {
	Query     string
	Sector    string
	MaxTokens int
}

// Builder assembles RAG contexts.
type Builder struct {
	search    *Search
	maxTokens int
}

func NewBuilder(search *Search, maxTokens int) *Builder {
	if maxTokens <= 0 {
		maxTokens = 4000
	}
	return &Builder{search: search, maxTokens: maxTokens}
}

// BuildContext retrieves, deduplicates and formats the context for a query.
func (b *Builder) BuildContext(ctx context.Context, opts BuildOptions) (entity.RAGContext, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = b.maxTokens
	}

	results, err := b.search.Search(ctx, SearchOptions{
		Query:    opts.Query,
		TopK:     contextTopK,
		MinScore: contextMinScore,
		Sector:   opts.Sector,
	})
	if err != nil {
		return entity.RAGContext{}, err
	}
	return Assemble(results, opts.MaxTokens), nil
}

// Assemble is the pure part of BuildContext.
func Assemble(results []entity.SearchResult, maxTokens int) entity.RAGContext {
	ranked := dedupeAndRank(results)
	sources := make([]string, 0, len(ranked))
	for _, r := range ranked {
		sources = append(sources, r.Source)
	}
	return entity.RAGContext{
		Documents:     ranked,
		ContextString: formatContext(ranked, maxTokens),
		Sources:       sources,
		Confidence:    confidence(ranked),
	}
}

// GeneratePrompt builds the system prompt enriched with retrieved context.
func (b *Builder) GeneratePrompt(ctx context.Context, opts BuildOptions) (string, entity.RAGContext, error) {
	rc, err := b.BuildContext(ctx, opts)
	if err != nil {
		return "", rc, err
	}
	prompt := fmt.Sprintf(`Tu es un analyste financier expert CPA.
Utilise le contexte fourni ci-dessous pour enrichir ta réponse.
Si le contexte ne contient pas l'information, base-toi sur tes connaissances générales
mais mentionne que l'information n'est pas dans la base de connaissances.

Contexte pertinent:
%s

Sources: %s
Confiance: %.0f%%

Question de l'utilisateur:
%s`, rc.ContextString, strings.Join(rc.Sources, ", "), rc.Confidence*100, opts.Query)
	return prompt, rc, nil
}

// dedupeAndRank keeps the best chunk per source, highest score first.
func dedupeAndRank(results []entity.SearchResult) []entity.SearchResult {
	best := make(map[string]int, len(results))
	out := make([]entity.SearchResult, 0, len(results))
	for _, r := range results {
		if i, ok := best[r.Source]; ok {
			if r.Score > out[i].Score {
				out[i] = r
			}
			continue
		}
		best[r.Source] = len(out)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// formatContext appends sections until the next one would exceed the budget.
func formatContext(results []entity.SearchResult, maxTokens int) string {
	var b strings.Builder
	used := 0.0
	for _, r := range results {
		section := fmt.Sprintf("\n[%s] %s\n%s\n", r.Category, r.Title, r.Text)
		cost := float64(utf8.RuneCountInString(section)) * tokensPerChar
		if used+cost > float64(maxTokens) {
			break
		}
		b.WriteString(section)
		used += cost
	}
	if b.Len() == 0 {
		return NoContext
	}
	return b.String()
}

// confidence is the mean score plus 0.1 per distinct source (max 0.2), capped at 1.
func confidence(results []entity.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	sum := 0.0
	sources := make(map[string]struct{}, len(results))
	for _, r := range results {
		sum += float64(r.Score)
		sources[r.Source] = struct{}{}
	}
	bonus := math.Min(float64(len(sources))*0.1, 0.2)
	return math.Min(sum/float64(len(results))+bonus, 1.0)
}
