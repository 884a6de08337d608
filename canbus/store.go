package canbus

import (
	"sort"

	"github.com/sasha-s/go-deadlock"

	"can-dashboard/common"
	"can-dashboard/signal"
)

// Store keeps the latest message per identifier and the decoded signal
// record. Only the receive path writes it; readers get copies.
type Store struct {
	mu       deadlock.RWMutex
	messages map[uint32]common.Message
	decoded  common.DecodedData
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{messages: make(map[uint32]common.Message)}
}

// Put records a received frame under its label and merges the decoded
// signal, if any. It returns the stored message.
func (s *Store) Put(f common.Frame, sig signal.Signal, decoded bool) common.Message {
	msg := common.NewMessage(f, signal.Label(f.ID))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[f.ID] = msg
	if decoded {
		s.decoded.Set(sig.Key, sig.Value)
	}
	return msg
}

// Messages returns a copy of the latest message per identifier, ordered by
// identifier.
func (s *Store) Messages() []common.Message {
	s.mu.RLock()
	ids := make([]uint32, 0, len(s.messages))
	for id := range s.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]common.Message, 0, len(ids))
	for _, id := range ids {
		msg := s.messages[id]
		msg.Data = append([]int(nil), msg.Data...)
		out = append(out, msg)
	}
	s.mu.RUnlock()
	return out
}

// Decoded returns a copy of the decoded signal record.
func (s *Store) Decoded() common.DecodedData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decoded
}
