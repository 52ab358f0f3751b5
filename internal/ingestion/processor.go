// Package ingestion brings calibration material into the corpus: cleans raw
// HTML, tags keyword metadata, stores the document, embeds it, and feeds its
// text through knowledge graph extraction.
package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/printcal/backend/internal/kg/extractor"
	"github.com/printcal/backend/internal/metrics"
	"github.com/printcal/backend/internal/storage/models"
	"github.com/printcal/backend/internal/storage/sqlite"
	"github.com/printcal/backend/pkg/logger"
)

const maxKeywords = 12

var whitespaceRE = regexp.MustCompile(`\s+`)

type Embedder interface {
	EmbedText(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Processor struct {
	db        *sqlite.Client
	embedder  Embedder
	extractor *extractor.Extractor
}

func NewProcessor(db *sqlite.Client, embedder Embedder, ext *extractor.Extractor) *Processor {
	return &Processor{
		db:        db,
		embedder:  embedder,
		extractor: ext,
	}
}

// ProcessDocument stores one document and enriches it. Storage failure is the
// only hard error; embedding and graph extraction degrade to warnings so an
// LLM outage never blocks intake.
func (p *Processor) ProcessDocument(ctx context.Context, title, content, url, sourceType string) (*models.Document, error) {
	if looksLikeHTML(content) {
		extractedTitle, cleaned := cleanHTML(content)
		if cleaned == "" {
			return nil, fmt.Errorf("no content extracted from HTML")
		}
		content = cleaned
		if title == "" {
			title = extractedTitle
		}
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("document content is empty")
	}
	if title == "" {
		title = "Untitled"
	}
	if sourceType == "" {
		sourceType = classifySource(url)
	}

	doc := &models.Document{
		Title:      title,
		Content:    content,
		URL:        url,
		SourceType: sourceType,
		Metadata: map[string]interface{}{
			"keywords": extractKeywords(content),
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	vec, err := p.embedder.EmbedText(ctx, title+"\n"+content)
	if err != nil {
		metrics.EmbeddingFailures.Inc()
		logger.Warn("document embedding failed, stored unembedded",
			zap.String("title", title),
			zap.Error(err),
		)
	} else {
		doc.EmbeddingJSON = models.EncodeEmbedding(vec)
	}

	if err := p.db.InsertDocument(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	if p.extractor != nil {
		p.extractor.ProcessText(ctx, content)
	}

	metrics.DocumentsProcessed.Inc()
	logger.Info("Document processed",
		zap.Int64("doc_id", doc.ID),
		zap.String("title", title),
		zap.Bool("embedded", doc.HasEmbedding()),
	)

	return doc, nil
}

// BackfillEmbeddings embeds documents stored without vectors, in batches.
// Returns how many documents were updated.
func (p *Processor) BackfillEmbeddings(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	updated := 0
	for {
		docs, err := p.db.DocumentsMissingEmbeddings(ctx, batchSize)
		if err != nil {
			return updated, fmt.Errorf("failed to list unembedded documents: %w", err)
		}
		if len(docs) == 0 {
			return updated, nil
		}

		texts := make([]string, len(docs))
		for i, doc := range docs {
			texts[i] = doc.Title + "\n" + doc.Content
		}

		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			metrics.EmbeddingFailures.Inc()
			return updated, fmt.Errorf("batch embedding failed: %w", err)
		}

		batchUpdated := 0
		for i, doc := range docs {
			if i >= len(vectors) || len(vectors[i]) == 0 {
				continue
			}
			err := p.db.UpdateDocumentEmbedding(ctx, doc.ID, models.EncodeEmbedding(vectors[i]))
			if err != nil {
				logger.Warn("failed to store backfilled embedding",
					zap.Int64("doc_id", doc.ID),
					zap.Error(err),
				)
				continue
			}
			batchUpdated++
		}
		updated += batchUpdated

		logger.Info("Embedding backfill batch complete",
			zap.Int("batch", len(docs)),
			zap.Int("updated_total", updated),
		)

		// A pass that updates nothing would refetch the same rows forever.
		if len(docs) < batchSize || batchUpdated == 0 {
			return updated, nil
		}
	}
}

func looksLikeHTML(content string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(content))
	return strings.HasPrefix(trimmed, "<!doctype") ||
		strings.HasPrefix(trimmed, "<html") ||
		strings.Contains(trimmed, "<body")
}

func cleanHTML(html string) (title, text string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	text = doc.Find("body").Text()
	text = whitespaceRE.ReplaceAllString(text, " ")
	return title, strings.TrimSpace(text)
}

func classifySource(url string) string {
	lowerURL := strings.ToLower(url)
	switch {
	case strings.Contains(lowerURL, "troubleshoot"):
		return "troubleshooting"
	case strings.Contains(lowerURL, "guide"):
		return "guide"
	case strings.Contains(lowerURL, "forum") || strings.Contains(lowerURL, "reddit"):
		return "forum"
	case url == "":
		return "manual"
	default:
		return "documentation"
	}
}

// extractKeywords tags the document with its most frequent nouns so lexical
// search and concept matching have a compact summary to work with.
func extractKeywords(content string) []string {
	if len(content) > 10000 {
		content = content[:10000]
	}

	doc, err := prose.NewDocument(content)
	if err != nil {
		logger.Warn("keyword extraction failed", zap.Error(err))
		return nil
	}

	counts := make(map[string]int)
	for _, tok := range doc.Tokens() {
		if !strings.HasPrefix(tok.Tag, "NN") {
			continue
		}
		word := strings.ToLower(tok.Text)
		if len(word) < 3 {
			continue
		}
		counts[word]++
	}

	keywords := make([]string, 0, len(counts))
	for word := range counts {
		keywords = append(keywords, word)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return keywords[i] < keywords[j]
	})

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}
