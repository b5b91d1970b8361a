package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"timecapsule/internal/models"
)

// fakeSource serves fixed pages, newest page first, and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	pages   []models.HistoryPage
	fetches int
	block   chan struct{} // when set, FetchPage waits on it
	err     error
}

func (s *fakeSource) FetchPage(ctx context.Context, roomID string, limit, offset int) (models.HistoryPage, error) {
	s.mu.Lock()
	idx := s.fetches
	s.fetches++
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if s.err != nil {
		return models.HistoryPage{}, s.err
	}
	if idx >= len(s.pages) {
		return models.HistoryPage{Messages: []models.ChatMessage{}}, nil
	}
	return s.pages[idx], nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func TestPager_LoadMoreAccumulates(t *testing.T) {
	src := &fakeSource{
		pages: []models.HistoryPage{
			{Messages: []models.ChatMessage{{ID: "m3", CreatedAt: 300}, {ID: "m4", CreatedAt: 400}}, HasNext: true},
			{Messages: []models.ChatMessage{{ID: "m1", CreatedAt: 100}, {ID: "m2", CreatedAt: 200}}, HasNext: false},
		},
	}
	p := NewPager(src, "room-1", 2)

	if !p.HasNext() {
		t.Fatal("HasNext must be true before the first load")
	}

	fetched, err := p.LoadMore(context.Background())
	if err != nil || !fetched {
		t.Fatalf("first LoadMore: fetched=%v err=%v", fetched, err)
	}
	if !p.HasNext() {
		t.Error("expected another page after the first load")
	}

	fetched, err = p.LoadMore(context.Background())
	if err != nil || !fetched {
		t.Fatalf("second LoadMore: fetched=%v err=%v", fetched, err)
	}
	if p.HasNext() {
		t.Error("expected no further pages")
	}

	// Exhausted: no more fetches happen.
	fetched, err = p.LoadMore(context.Background())
	if err != nil || fetched {
		t.Errorf("exhausted LoadMore: fetched=%v err=%v", fetched, err)
	}
	if src.fetchCount() != 2 {
		t.Errorf("expected 2 fetches, got %d", src.fetchCount())
	}

	msgs := p.Messages()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[3].ID != "m4" {
		t.Errorf("messages out of order: %s..%s", msgs[0].ID, msgs[3].ID)
	}
}

func TestPager_InFlightGuard(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{
		pages: []models.HistoryPage{{Messages: []models.ChatMessage{{ID: "m1"}}}},
		block: block,
	}
	p := NewPager(src, "room-1", 10)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := p.LoadMore(context.Background()); err != nil {
			t.Errorf("LoadMore failed: %v", err)
		}
	}()

	// Wait until the first fetch is underway.
	for i := 0; src.fetchCount() == 0 && i < 100; i++ {
		time.Sleep(time.Millisecond)
	}

	fetched, err := p.LoadMore(context.Background())
	if err != nil || fetched {
		t.Errorf("concurrent LoadMore must be a no-op, got fetched=%v err=%v", fetched, err)
	}

	close(block)
	<-done

	if src.fetchCount() != 1 {
		t.Errorf("expected 1 fetch, got %d", src.fetchCount())
	}
}

func TestPager_ErrorLeavesStateRetryable(t *testing.T) {
	src := &fakeSource{err: errors.New("boom")}
	p := NewPager(src, "room-1", 10)

	if _, err := p.LoadMore(context.Background()); err == nil {
		t.Fatal("expected fetch error")
	}

	// The failed fetch must not mark the pager as loaded.
	if !p.HasNext() {
		t.Error("failed load must leave HasNext true for a retry")
	}

	src.err = nil
	src.pages = []models.HistoryPage{{Messages: []models.ChatMessage{{ID: "m1"}}}}
	fetched, err := p.LoadMore(context.Background())
	if err != nil || !fetched {
		t.Errorf("retry after error: fetched=%v err=%v", fetched, err)
	}
}

func TestPager_AppendMergesWithHistory(t *testing.T) {
	src := &fakeSource{
		pages: []models.HistoryPage{
			{Messages: []models.ChatMessage{{ID: "m1", Content: "old", CreatedAt: 100, UpdatedAt: 100}}},
		},
	}
	p := NewPager(src, "room-1", 10)

	if _, err := p.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore failed: %v", err)
	}

	// A live edit of a history message and a brand new one.
	p.Append(models.ChatMessage{ID: "m1", Content: "edited", CreatedAt: 100, UpdatedAt: 200})
	p.Append(models.ChatMessage{ID: "m2", Content: "fresh", CreatedAt: 300})

	msgs := p.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "edited" {
		t.Errorf("live edit lost: %q", msgs[0].Content)
	}
	if msgs[1].ID != "m2" {
		t.Errorf("expected m2 last, got %s", msgs[1].ID)
	}
}
