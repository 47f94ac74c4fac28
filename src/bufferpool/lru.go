package bufferpool

import (
	"errors"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
)

var ErrNoVictimAvailable = errors.New("no victim available")

// EvictionStrategy picks the page to drop when the cache is full. It
// returns ErrNoVictimAvailable if no page may be evicted.
type EvictionStrategy interface {
	ChooseVictim(pages []*page.HeapPage) (common.PageIdentity, error)
}

type EvictionFunc func(pages []*page.HeapPage) (common.PageIdentity, error)

func (f EvictionFunc) ChooseVictim(pages []*page.HeapPage) (common.PageIdentity, error) {
	return f(pages)
}

// LRU evicts the clean page with the oldest access stamp. Dirty pages are
// never chosen, so uncommitted changes don't reach the disk. Equal stamps
// are broken by the lowest page identity.
type LRU struct{}

var _ EvictionStrategy = LRU{}

func NewLRU() LRU {
	return LRU{}
}

func (LRU) ChooseVictim(pages []*page.HeapPage) (common.PageIdentity, error) {
	var (
		victim     *page.HeapPage
		victimSeen uint64
	)

	for _, p := range pages {
		if _, dirty := p.IsDirty(); dirty {
			continue
		}

		seen := p.LastAccess()
		if victim == nil ||
			seen < victimSeen ||
			(seen == victimSeen && p.ID().Compare(victim.ID()) < 0) {
			victim = p
			victimSeen = seen
		}
	}

	if victim == nil {
		if len(pages) == 0 {
			return common.PageIdentity{}, errors.Join(ErrNoVictimAvailable, errors.New("cache is empty"))
		}
		return common.PageIdentity{}, errors.Join(ErrNoVictimAvailable, errors.New("every cached page is dirty"))
	}
	return victim.ID(), nil
}
