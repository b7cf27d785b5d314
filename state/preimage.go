package state

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PreimageStore holds the preimages of hash locks issued in invoices, keyed by
// their chain native hash lock. It is safe for concurrent use.
type PreimageStore struct {
	mu        sync.RWMutex
	preimages map[common.Hash]Preimage
}

func NewPreimageStore() *PreimageStore {
	return &PreimageStore{preimages: map[common.Hash]Preimage{}}
}

// NewHashLock generates a random preimage, stores it, and returns its hash
// lock.
func (s *PreimageStore) NewHashLock() (common.Hash, error) {
	p, err := NewPreimage()
	if err != nil {
		return common.Hash{}, err
	}
	s.Add(p)
	return p.HashLock(), nil
}

// Add stores the preimage under both of its images.
func (s *PreimageStore) Add(p Preimage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preimages[p.HashLock()] = p
	s.preimages[p.LightningHashLock()] = p
}

// Lookup returns the preimage of the hash lock.
func (s *PreimageStore) Lookup(hashLock common.Hash) (Preimage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preimages[hashLock]
	return p, ok
}

// Forget removes the preimage of the hash lock. It is called once the HTLC
// locked by it has been claimed.
func (s *PreimageStore) Forget(hashLock common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preimages[hashLock]
	if !ok {
		return
	}
	delete(s.preimages, p.HashLock())
	delete(s.preimages, p.LightningHashLock())
}

// Len returns the number of preimages held.
func (s *PreimageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.preimages) / 2
}
