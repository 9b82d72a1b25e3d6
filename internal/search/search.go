// Package search implements the Search Service (C11): query sanitization, message-store text-index search with a
// regex fallback, in-memory filtering, highlighting, and timestamp-window context lookup.
package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/message"
)

// Sentinel errors for the search package.
var (
	ErrSearchUnavailable = errors.New("search service is unavailable")
)

// Pagination defaults and limits (spec §4.7: default 20, cap 100).
const (
	DefaultPerPage = 20
	MaxPerPage     = 100
	DefaultPage    = 1
)

// maxQueryLength is the sanitized query's truncation point.
const maxQueryLength = 200

// candidateLimit bounds how many backend hits are fetched before in-memory filtering, when filters are present.
const candidateLimit = 1000

// contextWindow is the ± radius around a target message's timestamp that Context considers.
const contextWindow = 300 * time.Second

// AccessChecker is the slice of the Conversation Service Search needs to authorize a query or context lookup.
type AccessChecker interface {
	HasAccess(ctx context.Context, conversationID string, userID uuid.UUID) (bool, error)
}

// MessageFinder is the slice of the Message Store Adapter Search needs.
type MessageFinder interface {
	GetByID(ctx context.Context, conversationID string, id uuid.UUID) (*message.Message, error)
	SearchText(ctx context.Context, conversationID, query string, limit int) ([]message.Message, error)
	SearchRegex(ctx context.Context, conversationID, pattern string, limit int) ([]message.Message, error)
	Window(ctx context.Context, conversationID string, center time.Time, radius time.Duration) ([]message.Message, error)
}

// Options groups the optional filters and pagination a caller may supply.
type Options struct {
	SenderSubstring string
	From            *time.Time
	To              *time.Time
	Page            int
	PerPage         int
}

// Hit is a single search result with its highlighted content.
type Hit struct {
	Message   message.Message
	Highlight string
}

// Result is the paginated outcome of a Search call.
type Result struct {
	TotalCount int
	Page       int
	PerPage    int
	Hits       []Hit
}

// SanitizeQuery trims, strips quote/backslash characters, collapses internal whitespace, and truncates to
// maxQueryLength. Matches spec §4.7's literal sanitization rules.
func SanitizeQuery(query string) string {
	query = strings.ReplaceAll(query, `"`, "")
	query = strings.ReplaceAll(query, `'`, "")
	query = strings.ReplaceAll(query, `\`, "")
	query = strings.Join(strings.Fields(query), " ")
	if utf8RuneCount := len([]rune(query)); utf8RuneCount > maxQueryLength {
		query = string([]rune(query)[:maxQueryLength])
	}
	return query
}

// ClampPagination normalises page and per-page values to valid ranges.
func ClampPagination(page, perPage int) (int, int) {
	if page < DefaultPage {
		page = DefaultPage
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	return page, perPage
}

// Service orchestrates access-scoped message search.
type Service struct {
	conversations AccessChecker
	messages      MessageFinder
	log           zerolog.Logger
}

// NewService creates a new search service.
func NewService(conversations AccessChecker, messages MessageFinder, logger zerolog.Logger) *Service {
	return &Service{
		conversations: conversations,
		messages:      messages,
		log:           logger.With().Str("component", "search").Logger(),
	}
}

// emptyResult builds an empty, correctly paginated result.
func emptyResult(page, perPage int) *Result {
	return &Result{Page: page, PerPage: perPage, Hits: []Hit{}}
}

// Search executes an access-scoped message search within conversationID on behalf of viewerID. If viewerID lacks
// access, an empty result is returned rather than an error (spec §4.7 precondition).
func (s *Service) Search(ctx context.Context, conversationID string, viewerID uuid.UUID, query string, opts Options) (*Result, error) {
	page, perPage := ClampPagination(opts.Page, opts.PerPage)

	ok, err := s.conversations.HasAccess(ctx, conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("check access: %w", err)
	}
	if !ok {
		return emptyResult(page, perPage), nil
	}

	sanitized := SanitizeQuery(query)
	if sanitized == "" {
		return emptyResult(page, perPage), nil
	}

	hasFilters := opts.SenderSubstring != "" || opts.From != nil || opts.To != nil

	if hasFilters {
		return s.searchFiltered(ctx, conversationID, sanitized, opts, page, perPage)
	}
	return s.searchPaged(ctx, conversationID, sanitized, page, perPage)
}

// searchPaged runs a single backend page fetch when no in-memory filters apply.
func (s *Service) searchPaged(ctx context.Context, conversationID, query string, page, perPage int) (*Result, error) {
	matches, err := s.fetch(ctx, conversationID, query, page*perPage)
	if err != nil {
		return nil, err
	}
	start, end := pageBounds(len(matches), page, perPage)
	return &Result{
		TotalCount: len(matches),
		Page:       page,
		PerPage:    perPage,
		Hits:       highlightAll(matches[start:end], query),
	}, nil
}

// searchFiltered fetches up to candidateLimit matches, applies sender/date filters in memory, then paginates.
func (s *Service) searchFiltered(ctx context.Context, conversationID, query string, opts Options, page, perPage int) (*Result, error) {
	candidates, err := s.fetch(ctx, conversationID, query, candidateLimit)
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0:0]
	for _, m := range candidates {
		if !matchesFilters(m, opts) {
			continue
		}
		filtered = append(filtered, m)
	}

	start, end := pageBounds(len(filtered), page, perPage)
	return &Result{
		TotalCount: len(filtered),
		Page:       page,
		PerPage:    perPage,
		Hits:       highlightAll(filtered[start:end], query),
	}, nil
}

// fetch tries the text index first, falling back to a literal regex search on any backend error.
func (s *Service) fetch(ctx context.Context, conversationID, query string, limit int) ([]message.Message, error) {
	matches, err := s.messages.SearchText(ctx, conversationID, query, limit)
	if err == nil {
		return matches, nil
	}
	s.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("text search failed, falling back to regex")

	matches, err = s.messages.SearchRegex(ctx, conversationID, regexp.QuoteMeta(query), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, err)
	}
	return matches, nil
}

// matchesFilters applies the sender-substring and date-range filters (spec §4.7: sender case-insensitive substring,
// date range inclusive on from, exclusive on to+24h).
func matchesFilters(m message.Message, opts Options) bool {
	if opts.SenderSubstring != "" &&
		!strings.Contains(strings.ToLower(m.SenderDisplayName), strings.ToLower(opts.SenderSubstring)) {
		return false
	}
	if opts.From != nil && m.Timestamp.Before(*opts.From) {
		return false
	}
	if opts.To != nil && !m.Timestamp.Before(opts.To.Add(24*time.Hour)) {
		return false
	}
	return true
}

// pageBounds returns the [start, end) slice bounds for page/perPage over a total-length collection.
func pageBounds(total, page, perPage int) (int, int) {
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}
	return start, end
}

// highlightAll wraps case-insensitive occurrences of query in each message's content with <mark>...</mark>.
func highlightAll(matches []message.Message, query string) []Hit {
	hits := make([]Hit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, Hit{Message: m, Highlight: highlight(m.Content, query)})
	}
	return hits
}

var reSpecial = regexp.MustCompile(`[\\.+*?()|\[\]{}^$]`)

// highlight wraps every case-insensitive occurrence of the literal query in content with <mark>...</mark>.
func highlight(content, query string) string {
	if query == "" {
		return content
	}
	pattern := "(?i)" + reSpecial.ReplaceAllStringFunc(query, func(s string) string { return "\\" + s })
	re, err := regexp.Compile(pattern)
	if err != nil {
		return content
	}
	return re.ReplaceAllStringFunc(content, func(match string) string {
		return "<mark>" + match + "</mark>"
	})
}

// Context loads the message at messageID, verifies viewerID's access, and returns the window of size n centered on
// it: every message in the same conversation within ±300s of its timestamp, sorted ascending, trimmed to n entries
// centered on the target.
func (s *Service) Context(ctx context.Context, conversationID string, messageID uuid.UUID, viewerID uuid.UUID, n int) ([]message.Message, error) {
	ok, err := s.conversations.HasAccess(ctx, conversationID, viewerID)
	if err != nil {
		return nil, fmt.Errorf("check access: %w", err)
	}
	if !ok {
		return nil, nil
	}

	target, err := s.messages.GetByID(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}

	window, err := s.messages.Window(ctx, conversationID, target.Timestamp, contextWindow)
	if err != nil {
		return nil, fmt.Errorf("fetch context window: %w", err)
	}
	if n <= 0 || len(window) <= n {
		return window, nil
	}

	center := 0
	for i, m := range window {
		if m.ID == target.ID {
			center = i
			break
		}
	}
	start := center - n/2
	if start < 0 {
		start = 0
	}
	end := start + n
	if end > len(window) {
		end = len(window)
		start = end - n
		if start < 0 {
			start = 0
		}
	}
	return window[start:end], nil
}
