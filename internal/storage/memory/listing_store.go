package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"resale-sync/internal/domain"
	"resale-sync/internal/storage"
)

// DefaultShardCount is the number of lock shards used by ListingStore.
const DefaultShardCount = 32

type listingShard struct {
	mu   sync.RWMutex
	data map[string]*domain.Listing // keyed by listing id
}

// ListingStore is an in-memory, sharded implementation of storage.ListingStore.
// Unrelated listings never contend on the same lock unless they hash to the same shard.
type ListingStore struct {
	shards []*listingShard
}

// NewListingStore creates a new in-memory listing store.
func NewListingStore() *ListingStore {
	return NewShardedListingStore(DefaultShardCount)
}

// NewShardedListingStore creates a listing store with n shards.
func NewShardedListingStore(n int) *ListingStore {
	if n <= 0 {
		n = DefaultShardCount
	}
	s := &ListingStore{shards: make([]*listingShard, n)}
	for i := range s.shards {
		s.shards[i] = &listingShard{data: make(map[string]*domain.Listing)}
	}
	return s
}

func (s *ListingStore) shard(listingID string) *listingShard {
	h := fnv.New32a()
	h.Write([]byte(listingID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Insert adds a new listing. Returns ErrDuplicateKey if id exists.
func (s *ListingStore) Insert(_ context.Context, l *domain.Listing) error {
	if l == nil || l.ID == "" {
		return storage.ErrInvalidInput
	}

	sh := s.shard(l.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.data[l.ID]; exists {
		return storage.ErrDuplicateKey
	}

	// Store a copy to prevent external mutation
	sh.data[l.ID] = l.Clone()
	return nil
}

// Get retrieves a listing by id. Returns ErrNotFound if not exists.
func (s *ListingStore) Get(_ context.Context, listingID string) (*domain.Listing, error) {
	sh := s.shard(listingID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	l, exists := sh.data[listingID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return l.Clone(), nil
}

// CompareAndSwap replaces the listing if the stored version equals expectedVersion.
func (s *ListingStore) CompareAndSwap(_ context.Context, l *domain.Listing, expectedVersion int64) error {
	if l == nil || l.ID == "" || l.Version != expectedVersion+1 {
		return storage.ErrInvalidInput
	}

	sh := s.shard(l.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	current, exists := sh.data[l.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if current.Version != expectedVersion {
		return storage.ErrVersionConflict
	}

	sh.data[l.ID] = l.Clone()
	return nil
}

// GetByExternalID resolves the listing holding externalListingID on platform.
func (s *ListingStore) GetByExternalID(_ context.Context, platform, externalListingID string) (*domain.Listing, error) {
	if externalListingID == "" {
		return nil, storage.ErrNotFound
	}
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, l := range sh.data {
			if p := l.Platform(platform); p != nil && p.ExternalListingID == externalListingID {
				c := l.Clone()
				sh.mu.RUnlock()
				return c, nil
			}
		}
		sh.mu.RUnlock()
	}
	return nil, storage.ErrNotFound
}

// ListOpen retrieves all non-archived listings, ordered by id ASC.
func (s *ListingStore) ListOpen(_ context.Context) ([]*domain.Listing, error) {
	return s.collect(func(l *domain.Listing) bool { return !l.IsArchived() }, func(a, b *domain.Listing) bool {
		return a.ID < b.ID
	}), nil
}

// ListByAsset retrieves all listings for an asset, ordered by game date ASC.
func (s *ListingStore) ListByAsset(_ context.Context, assetID string) ([]*domain.Listing, error) {
	return s.collect(func(l *domain.Listing) bool { return l.AssetID == assetID }, func(a, b *domain.Listing) bool {
		if a.GameDate.Equal(b.GameDate) {
			return a.ID < b.ID
		}
		return a.GameDate.Before(b.GameDate)
	}), nil
}

func (s *ListingStore) collect(match func(*domain.Listing) bool, less func(a, b *domain.Listing) bool) []*domain.Listing {
	var result []*domain.Listing
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, l := range sh.data {
			if match(l) {
				result = append(result, l.Clone())
			}
		}
		sh.mu.RUnlock()
	}

	sort.Slice(result, func(i, j int) bool {
		return less(result[i], result[j])
	})
	return result
}

// Verify interface compliance at compile time.
var _ storage.ListingStore = (*ListingStore)(nil)
