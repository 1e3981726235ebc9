package server

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emx-mail/msgserver/pkgs/email"
	"github.com/emx-mail/msgserver/pkgs/engine"
	"github.com/emx-mail/msgserver/pkgs/store"
)

// searchBatch is the number of message bodies examined per loop turn.
const searchBatch = 10

type search struct {
	id      string
	body    string
	ids     []string
	next    int
	matches []string
}

// SearchMessages finds the messages selected by f whose body contains
// body. Without body text the result is reported at once. Body searches
// run in batches on the loop, one search at a time in the order they were
// requested. The returned id tags every event of the search.
func (s *Server) SearchMessages(f store.Filter, body string) (string, error) {
	msgs, err := s.deps.Store.QueryMessages(s.deps.Ctx, f)
	if err != nil {
		return "", err
	}
	sr := &search{id: uuid.NewString(), body: body}
	for _, m := range msgs {
		sr.ids = append(sr.ids, m.ID)
	}
	if body == "" {
		s.emit(engine.Event{Kind: engine.MatchingMessages, ID: sr.id, IDs: sr.ids})
		s.emit(engine.Event{Kind: engine.SearchCompleted, ID: sr.id})
		return sr.id, nil
	}
	s.searches = append(s.searches, sr)
	if len(s.searches) == 1 {
		s.startSearch()
	}
	return sr.id, nil
}

// CancelSearch stops the running search, reporting what matched so far,
// and drops the queued ones.
func (s *Server) CancelSearch() {
	if len(s.searches) == 0 {
		return
	}
	sr := s.searches[0]
	s.searches = nil
	s.reportSearch(sr)
}

func (s *Server) startSearch() {
	if len(s.searches) == 0 {
		return
	}
	sr := s.searches[0]
	s.emit(engine.Event{Kind: engine.SearchTotal, ID: sr.id, Value: len(sr.ids)})
	s.deps.Loop.Post(func() { s.searchStep(sr) })
}

func (s *Server) searchStep(sr *search) {
	if len(s.searches) == 0 || s.searches[0] != sr {
		return
	}
	end := sr.next + searchBatch
	if end > len(sr.ids) {
		end = len(sr.ids)
	}
	batch := sr.ids[sr.next:end]
	if len(batch) > 0 {
		msgs, err := s.deps.Store.QueryMessages(s.deps.Ctx, store.Filter{IDs: batch})
		if err != nil {
			s.log.Warn("search batch failed", zap.String("search", sr.id), zap.Error(err))
		}
		hit := make(map[string]bool)
		for _, m := range msgs {
			if email.ContainsText(m, sr.body) {
				hit[m.ID] = true
			}
		}
		for _, id := range batch {
			if hit[id] {
				sr.matches = append(sr.matches, id)
			}
		}
	}
	sr.next = end
	s.emit(engine.Event{Kind: engine.SearchProgress, ID: sr.id, Value: sr.next})
	if sr.next >= len(sr.ids) {
		s.finishSearch()
		return
	}
	s.deps.Loop.Post(func() { s.searchStep(sr) })
}

// finishSearch reports the running search and starts the next one.
func (s *Server) finishSearch() {
	sr := s.searches[0]
	s.searches = s.searches[1:]
	s.reportSearch(sr)
	s.startSearch()
}

func (s *Server) reportSearch(sr *search) {
	s.emit(engine.Event{Kind: engine.MatchingMessages, ID: sr.id, IDs: sr.matches})
	s.emit(engine.Event{Kind: engine.SearchCompleted, ID: sr.id})
}
