package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// ─── Live Ledger Feed ───────────────────────────────────────────────────────
// Committed entries are pushed to subscribers of the affected account as
// Server-Sent Events. The feed is advisory: a client that misses events
// re-reads /transactions?since=<last seen id>, which pages oldest first.

// feedBuffer is the per-subscriber queue depth.
const feedBuffer = 32

// Feed fans committed ledger entries out to per-account subscribers.
type Feed struct {
	mu      sync.Mutex
	clients map[string]map[chan []byte]struct{}
	done    chan struct{}
	once    sync.Once
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		clients: make(map[string]map[chan []byte]struct{}),
		done:    make(chan struct{}),
	}
}

// Close ends every open stream. Safe to call more than once.
func (f *Feed) Close() {
	f.once.Do(func() { close(f.done) })
}

// Done is closed when the feed shuts down.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Publish implements wallet.Publisher.
func (f *Feed) Publish(e domain.LedgerEntry) {
	data, err := json.Marshal(toTransaction(e))
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.clients[e.AccountID] {
		select {
		case ch <- data:
		default:
			// Slow client, drop
		}
	}
}

// Subscribe registers a client for accountID. Returns the channel and an
// unsubscribe func.
func (f *Feed) Subscribe(accountID string) (<-chan []byte, func()) {
	ch := make(chan []byte, feedBuffer)
	f.mu.Lock()
	set, ok := f.clients[accountID]
	if !ok {
		set = make(map[chan []byte]struct{})
		f.clients[accountID] = set
	}
	set[ch] = struct{}{}
	f.mu.Unlock()
	observability.FeedSubscribers.Inc()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(f.clients, accountID)
			}
			close(ch)
			f.mu.Unlock()
			observability.FeedSubscribers.Dec()
		})
	}
}

// ClientCount returns the number of connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, set := range f.clients {
		n += len(set)
	}
	return n
}

// handleEvents serves the account's live feed.
// GET /accounts/{id}/events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	a, err := s.wallet.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.actAs(r, a.ID); err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.feed.Subscribe(a.ID)
	defer unsub()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.feed.Done():
			return
		case <-keepalive.C:
			w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case data := <-ch:
			w.Write([]byte("event: entry\ndata: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
