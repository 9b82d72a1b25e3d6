package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/auth"
	"github.com/relaychat/relaychat-server/internal/message"
	"github.com/relaychat/relaychat-server/internal/search"
)

// fakeMessageFinder backs the Search Service's MessageFinder slice for handler tests.
type fakeMessageFinder struct {
	messages []message.Message
}

func (f *fakeMessageFinder) GetByID(_ context.Context, _ string, id uuid.UUID) (*message.Message, error) {
	for i := range f.messages {
		if f.messages[i].ID == id {
			return &f.messages[i], nil
		}
	}
	return nil, message.ErrNotFound
}

func (f *fakeMessageFinder) SearchText(_ context.Context, _, query string, limit int) ([]message.Message, error) {
	var out []message.Message
	for _, m := range f.messages {
		if query == "" || contains(m.Content, query) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageFinder) SearchRegex(ctx context.Context, conversationID, pattern string, limit int) ([]message.Message, error) {
	return f.SearchText(ctx, conversationID, pattern, limit)
}

func (f *fakeMessageFinder) Window(_ context.Context, _ string, center time.Time, radius time.Duration) ([]message.Message, error) {
	var out []message.Message
	for _, m := range f.messages {
		if m.Timestamp.After(center.Add(-radius)) && m.Timestamp.Before(center.Add(radius)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func testSearchHandler(t *testing.T) (*SearchHandler, *fakeAccessChecker, *fakeMessageFinder, *fiber.App, *auth.TokenService) {
	t.Helper()
	access := &fakeAccessChecker{allowed: map[string]bool{}}
	finder := &fakeMessageFinder{}
	svc := search.NewService(access, finder, zerolog.Nop())
	handler := NewSearchHandler(svc, zerolog.Nop())

	tokens := auth.NewTokenService("test-secret-at-least-32-bytes!!", "relaychat", "relaychat-clients", time.Hour, false, nil)
	requireAuth := auth.RequireAuth(tokens)

	app := fiber.New()
	app.Get("/conversations/:id/search", requireAuth, handler.Search)
	app.Get("/conversations/:id/messages/:messageId/context", requireAuth, handler.Context)

	return handler, access, finder, app, tokens
}

func TestSearchHandler_NoAccessReturnsEmptyResult(t *testing.T) {
	t.Parallel()
	_, _, _, app, tokens := testSearchHandler(t)

	userID := uuid.New()
	req := authedRequest(t, tokens, userID, http.MethodGet, "/conversations/grp_1/search?q=hello", "")
	resp := doReq(t, app, req)
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	env := parseSuccess(t, body)
	var result struct {
		Hits []json.RawMessage `json:"Hits"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Hits) != 0 {
		t.Errorf("hits = %d, want 0 for a viewer without access", len(result.Hits))
	}
}

func TestSearchHandler_Success(t *testing.T) {
	t.Parallel()
	_, access, finder, app, tokens := testSearchHandler(t)

	userID := uuid.New()
	access.allowed["grp_1|"+userID.String()] = true
	finder.messages = []message.Message{
		{ID: uuid.New(), ConversationID: "grp_1", Content: "hello world", Timestamp: time.Now()},
	}

	req := authedRequest(t, tokens, userID, http.MethodGet, "/conversations/grp_1/search?q=hello", "")
	resp := doReq(t, app, req)
	body := readBody(t, resp)

	if resp.StatusCode != fiber.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusOK)
	}
	_ = body
}

func TestSearchHandler_InvalidFromDate(t *testing.T) {
	t.Parallel()
	_, access, _, app, tokens := testSearchHandler(t)

	userID := uuid.New()
	access.allowed["grp_1|"+userID.String()] = true

	req := authedRequest(t, tokens, userID, http.MethodGet, "/conversations/grp_1/search?q=hi&from=not-a-date", "")
	resp := doReq(t, app, req)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}

func TestContextHandler_InvalidMessageID(t *testing.T) {
	t.Parallel()
	_, access, _, app, tokens := testSearchHandler(t)

	userID := uuid.New()
	access.allowed["grp_1|"+userID.String()] = true

	req := authedRequest(t, tokens, userID, http.MethodGet, "/conversations/grp_1/messages/not-a-uuid/context", "")
	resp := doReq(t, app, req)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, fiber.StatusBadRequest)
	}
}
