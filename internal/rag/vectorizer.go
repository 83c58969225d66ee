package rag

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finops-core/internal/domain/repository"
)

var (
	chunkNamespace = uuid.MustParse("0b8f6a2e-9d55-4c1e-8f3a-51d2c7e4b9a0")
	headingLine    = regexp.MustCompile(`^#{1,6}\s+(.+)$`)
	sectorLine     = regexp.MustCompile(`(?i)^\s*(?:secteur|sector)\s*:\s*(.+)$`)
)

// Chunk is one indexable section of a knowledge-base file.
type Chunk struct {
	Text     string
	Title    string
	Category string
	Sector   string
}

// Vectorizer embeds knowledge-base files into the vector store.
type Vectorizer struct {
	embedder    repository.Embedder
	store       repository.VectorStore
	concurrency int
	now         func() time.Time
	logger      *zap.Logger
}

func NewVectorizer(embedder repository.Embedder, store repository.VectorStore, concurrency int, logger *zap.Logger) *Vectorizer {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vectorizer{embedder: embedder, store: store, concurrency: concurrency, now: time.Now, logger: logger}
}

// IngestDir indexes every .md and .txt file under root. A failing chunk is
// logged and skipped; only cancellation or a walk error aborts the run.
func (v *Vectorizer) IngestDir(ctx context.Context, root string) (int, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
			if !d.IsDir() {
				files = append(files, path)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk %s: %w", root, err)
	}
	v.logger.Info("knowledge files found", zap.Int("files", len(files)), zap.String("root", root))

	var indexed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for _, path := range files {
		content, err := os.ReadFile(path)
		if err != nil {
			v.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
			continue
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)

		for i, c := range ChunkDocument(string(content), rel) {
			id := uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", rel, i))).String()
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				if err := v.upsert(gctx, id, rel, c); err != nil {
					v.logger.Warn("chunk not indexed", zap.String("source", rel), zap.Error(err))
					return nil
				}
				indexed.Add(1)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return int(indexed.Load()), err
	}
	v.logger.Info("vectorisation complete", zap.Int64("chunks", indexed.Load()))
	return int(indexed.Load()), nil
}

// AddCorrection stores a user-provided answer for a query that failed.
func (v *Vectorizer) AddCorrection(ctx context.Context, query, answer string) error {
	id := uuid.NewSHA1(chunkNamespace, []byte("correction:"+strings.ToLower(strings.TrimSpace(query)))).String()
	title := query
	if r := []rune(title); len(r) > 80 {
		title = string(r[:80])
	}
	return v.upsert(ctx, id, "feedback", Chunk{
		Text:     "Question : " + query + "\nRéponse : " + answer,
		Title:    title,
		Category: "correction",
	})
}

func (v *Vectorizer) upsert(ctx context.Context, id, source string, c Chunk) error {
	vec, err := v.embedder.CreateEmbedding(ctx, c.Text)
	if err != nil {
		return fmt.Errorf("embed chunk: %w", err)
	}
	payload := map[string]any{
		"text":      c.Text,
		"source":    source,
		"category":  c.Category,
		"title":     c.Title,
		"timestamp": v.now().UTC().Format(time.RFC3339),
	}
	if c.Sector != "" {
		payload["sector"] = c.Sector
	}
	return v.store.Upsert(ctx, id, vec, payload)
}

// ChunkDocument splits a file at markdown headings. The category is the
// top-level directory of the file, the sector comes from a "Secteur:" line.
func ChunkDocument(content, path string) []Chunk {
	category := "general"
	if dir := filepath.ToSlash(filepath.Dir(path)); dir != "." && dir != "" {
		category = strings.SplitN(dir, "/", 2)[0]
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var chunks []Chunk
	cur := Chunk{Title: base, Category: category}
	var body []string
	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" {
			cur.Text = text
			chunks = append(chunks, cur)
		}
		body = body[:0]
	}

	for _, line := range strings.Split(content, "\n") {
		if m := headingLine.FindStringSubmatch(strings.TrimRight(line, "\r")); m != nil {
			flush()
			cur = Chunk{Title: strings.TrimSpace(m[1]), Category: category, Sector: cur.Sector}
			continue
		}
		if m := sectorLine.FindStringSubmatch(line); m != nil {
			cur.Sector = strings.ToLower(strings.TrimSpace(m[1]))
		}
		body = append(body, line)
	}
	flush()
	return chunks
}
