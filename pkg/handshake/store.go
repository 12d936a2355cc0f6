package handshake

import "github.com/libp2p/go-libp2p/core/peer"

// Store maps peer identities to their live handshake record.
// There is at most one record per peer.
//
// Store is NOT safe for concurrent use; all access happens on the event loop.
type Store struct {
	records map[peer.ID]*Record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[peer.ID]*Record)}
}

// Get returns the record for peerID, or nil.
func (s *Store) Get(peerID peer.ID) *Record {
	return s.records[peerID]
}

// Set installs rec as the live record for its peer, replacing any previous one.
func (s *Store) Set(rec *Record) {
	s.records[rec.peerID] = rec
}

// Remove deletes the record for peerID.
func (s *Store) Remove(peerID peer.ID) {
	delete(s.records, peerID)
}

// Len returns the number of live records.
func (s *Store) Len() int {
	return len(s.records)
}

// Snapshot returns the status of every live record.
func (s *Store) Snapshot() []Status {
	result := make([]Status, 0, len(s.records))
	for _, rec := range s.records {
		result = append(result, rec.Status())
	}
	return result
}
