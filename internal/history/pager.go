package history

import (
	"context"
	"sync"

	"timecapsule/internal/models"
)

// Source fetches one page of room history. Implemented by the REST client.
type Source interface {
	FetchPage(ctx context.Context, roomID string, limit, offset int) (models.HistoryPage, error)
}

// Pager accumulates the two message sources for one room: paged history
// growing backwards via LoadMore and live messages growing forwards via
// Append. Messages returns the merged view.
type Pager struct {
	src    Source
	roomID string
	limit  int

	mu         sync.Mutex
	rest       []models.ChatMessage
	live       []models.ChatMessage
	offset     int
	hasNext    bool
	loadedOnce bool
	inFlight   bool
}

func NewPager(src Source, roomID string, limit int) *Pager {
	return &Pager{
		src:    src,
		roomID: roomID,
		limit:  limit,
	}
}

// LoadMore fetches the next (older) history page. It is a no-op while a
// fetch is in flight, and once the source reports no further pages. Returns
// whether a page was fetched.
func (p *Pager) LoadMore(ctx context.Context) (bool, error) {
	p.mu.Lock()
	if p.inFlight || (p.loadedOnce && !p.hasNext) {
		p.mu.Unlock()
		return false, nil
	}
	p.inFlight = true
	offset := p.offset
	p.mu.Unlock()

	page, err := p.src.FetchPage(ctx, p.roomID, p.limit, offset)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight = false
	if err != nil {
		return false, err
	}

	p.rest = append(p.rest, page.Messages...)
	p.offset += len(page.Messages)
	p.hasNext = page.HasNext
	p.loadedOnce = true
	return true, nil
}

// HasNext reports whether an older page remains. Before the first load it
// is true so the initial fetch happens.
func (p *Pager) HasNext() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.loadedOnce || p.hasNext
}

// Append records a live-pushed message.
func (p *Pager) Append(msg models.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = append(p.live, msg)
}

// Messages returns the merged, ordered, de-duplicated view of both sources.
func (p *Pager) Messages() []models.ChatMessage {
	p.mu.Lock()
	rest := make([]models.ChatMessage, len(p.rest))
	copy(rest, p.rest)
	live := make([]models.ChatMessage, len(p.live))
	copy(live, p.live)
	p.mu.Unlock()

	return Merge(rest, live)
}
