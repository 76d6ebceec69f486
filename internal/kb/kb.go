// Package kb answers the model's document queries against the agent's
// knowledge bases. Documents are packed into token-bounded groups, each
// group is searched with a parallel completion call, and multi-group
// results are consolidated by a final completion. Loaded corpora are cached
// per knowledge-base set so repeated calls for the same agent skip the
// database.
package kb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/sync/errgroup"

	"github.com/callyx-ai/callyx/internal/observe"
	"github.com/callyx-ai/callyx/internal/resilience"
)

// Document is one knowledge-base entry.
type Document struct {
	ID   uuid.UUID
	Name string
	Text string
}

// DocumentSource loads the corpus for a set of knowledge bases.
type DocumentSource interface {
	FetchDocuments(ctx context.Context, kbIDs []uuid.UUID) ([]Document, error)
}

const (
	// maxGroupTokens bounds the document text packed into one lookup
	// completion, leaving prompt headroom below the model context window.
	maxGroupTokens = 30000

	// lookupTimeout bounds the whole query including consolidation.
	lookupTimeout = 180 * time.Second

	// NoResults is what the model sees when nothing matched or the lookup
	// failed. Lookup problems never surface as call errors.
	NoResults = "No documents found"

	defaultModel = "gpt-4o-mini"
)

const lookupPrompt = `You answer questions using only the documents provided.
Quote or summarise the relevant passages. If nothing in the documents is
relevant to the question, reply exactly: ` + NoResults

const consolidatePrompt = `You are given several partial answers produced from
different document sets for the same question. Merge them into one coherent
answer, dropping any that say no documents were found. If every partial answer
found nothing, reply exactly: ` + NoResults

// Option configures the Service.
type Option func(*Service)

// WithModel overrides the completion model used for lookups.
func WithModel(model string) Option {
	return func(s *Service) { s.model = model }
}

// WithBaseURL points the client at a compatible completion endpoint.
func WithBaseURL(url string) Option {
	return func(s *Service) { s.baseURL = url }
}

// Service runs document queries. Safe for concurrent use across calls.
type Service struct {
	client  oai.Client
	source  DocumentSource
	model   string
	baseURL string
	breaker *resilience.Breaker

	cacheMu sync.Mutex
	cache   map[string][]Document
}

// New constructs the query service.
func New(apiKey string, source DocumentSource, opts ...Option) (*Service, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("kb: apiKey must not be empty")
	}
	s := &Service{
		source:  source,
		model:   defaultModel,
		cache:   make(map[string][]Document),
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "kb-completions"}),
	}
	for _, o := range opts {
		o(s)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	s.client = oai.NewClient(reqOpts...)
	return s, nil
}

// cacheKey canonicalises a knowledge-base set: sorted ids joined.
func cacheKey(kbIDs []uuid.UUID) string {
	ids := make([]string, len(kbIDs))
	for i, id := range kbIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (s *Service) documents(ctx context.Context, kbIDs []uuid.UUID) ([]Document, error) {
	key := cacheKey(kbIDs)
	s.cacheMu.Lock()
	docs, ok := s.cache[key]
	s.cacheMu.Unlock()
	if ok {
		return docs, nil
	}
	docs, err := s.source.FetchDocuments(ctx, kbIDs)
	if err != nil {
		return nil, fmt.Errorf("kb: fetch documents: %w", err)
	}
	s.cacheMu.Lock()
	s.cache[key] = docs
	s.cacheMu.Unlock()
	return docs, nil
}

// estimateTokens approximates the token count of a document's text.
func estimateTokens(text string) int {
	return len(text)/4 + 1
}

// packGroups distributes documents into groups whose combined estimated
// token count stays under maxGroupTokens, filling greedily from the
// smallest document up. An oversized single document gets its own group.
func packGroups(docs []Document) [][]Document {
	sorted := make([]Document, len(docs))
	copy(sorted, docs)
	sort.Slice(sorted, func(i, j int) bool {
		return estimateTokens(sorted[i].Text) < estimateTokens(sorted[j].Text)
	})

	var groups [][]Document
	var current []Document
	budget := 0
	for _, d := range sorted {
		t := estimateTokens(d.Text)
		if len(current) > 0 && budget+t > maxGroupTokens {
			groups = append(groups, current)
			current = nil
			budget = 0
		}
		current = append(current, d)
		budget += t
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func renderGroup(docs []Document) string {
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", d.Name, d.Text)
	}
	return b.String()
}

// Query answers a model document query against the given knowledge bases.
// All failure modes degrade to NoResults; the call keeps going regardless.
func (s *Service) Query(ctx context.Context, kbIDs []uuid.UUID, query string) string {
	if len(kbIDs) == 0 {
		return NoResults
	}
	start := time.Now()
	defer func() {
		observe.DefaultMetrics().KBLookupDuration.Record(ctx, time.Since(start).Seconds())
	}()
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	docs, err := s.documents(ctx, kbIDs)
	if err != nil {
		slog.Error("document fetch failed", "error", err)
		return NoResults
	}
	if len(docs) == 0 {
		return NoResults
	}

	groups := packGroups(docs)
	answers := make([]string, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i, group := range groups {
		g.Go(func() error {
			answer, err := s.complete(gctx, lookupPrompt,
				fmt.Sprintf("Question: %s\n\nDocuments:\n\n%s", query, renderGroup(group)))
			if err != nil {
				return err
			}
			answers[i] = answer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Error("document lookup failed", "error", err, "groups", len(groups))
		return NoResults
	}

	if len(answers) == 1 {
		return answers[0]
	}
	merged, err := s.complete(ctx, consolidatePrompt,
		fmt.Sprintf("Question: %s\n\nPartial answers:\n\n%s", query, strings.Join(answers, "\n\n---\n\n")))
	if err != nil {
		slog.Error("lookup consolidation failed", "error", err)
		return NoResults
	}
	return merged
}

// complete runs one completion behind the circuit breaker, so a dead
// endpoint degrades queries to NoResults quickly instead of each one riding
// out the full timeout.
func (s *Service) complete(ctx context.Context, system, user string) (string, error) {
	var content string
	err := s.breaker.Do(func() error {
		resp, err := s.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
			Model: s.model,
			Messages: []oai.ChatCompletionMessageParamUnion{
				oai.SystemMessage(system),
				oai.UserMessage(user),
			},
		})
		if err != nil {
			return fmt.Errorf("kb: completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("kb: empty choices in response")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	return content, err
}
