package chain

import (
	"sort"
	"sync"

	"KittyMarket-Chain/internal/oracle"
	"KittyMarket-Chain/internal/primitives"
)

// DefaultPoolSize 是交易池的默认容量。
const DefaultPoolSize = 4096

type pooled struct {
	xt       Extrinsic
	validity *oracle.ValidTransaction
	addedAt  primitives.BlockNumber
	seq      uint64
}

func (p *pooled) expired(head primitives.BlockNumber) bool {
	if p.validity == nil {
		return false
	}
	return head >= p.addedAt+primitives.BlockNumber(p.validity.Longevity)
}

// Pool 保存待打包的交易。签名交易按到达顺序打包；无签名交易的 provides 标签
// 先到先得，并按优先级排在签名交易之前。
type Pool struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	signed   []*pooled
	unsigned map[string]*pooled
}

// NewPool 创建交易池。
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	return &Pool{capacity: capacity, unsigned: make(map[string]*pooled)}
}

// AddSigned 加入一笔签名交易。
func (p *Pool) AddSigned(xt Extrinsic, head primitives.BlockNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lenLocked() >= p.capacity {
		return ErrPoolFull
	}
	p.seq++
	p.signed = append(p.signed, &pooled{xt: xt, addedAt: head, seq: p.seq})
	return nil
}

// AddUnsigned 加入一笔已校验的无签名交易。标签被未过期的交易占用时直接拒绝，
// 与优先级无关；过期的占用者先被清除，再计算容量。
func (p *Pool) AddUnsigned(xt Extrinsic, validity oracle.ValidTransaction, head primitives.BlockNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tag := range validity.Provides {
		existing, ok := p.unsigned[tag]
		if !ok {
			continue
		}
		if !existing.expired(head) {
			return oracle.ErrPriceInterval
		}
		p.dropLocked(existing)
	}
	if p.lenLocked() >= p.capacity {
		return ErrPoolFull
	}
	p.seq++
	entry := &pooled{xt: xt, validity: &validity, addedAt: head, seq: p.seq}
	for _, tag := range validity.Provides {
		p.unsigned[tag] = entry
	}
	return nil
}

func (p *Pool) dropLocked(entry *pooled) {
	for _, tag := range entry.validity.Provides {
		if p.unsigned[tag] == entry {
			delete(p.unsigned, tag)
		}
	}
}

// Take 取出最多 limit 笔交易并把它们移出交易池，过期的无签名交易被丢弃。
func (p *Pool) Take(limit int, head primitives.BlockNumber) []Extrinsic {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[*pooled]struct{}, len(p.unsigned))
	unsigned := make([]*pooled, 0, len(p.unsigned))
	for tag, entry := range p.unsigned {
		if entry.expired(head) {
			delete(p.unsigned, tag)
			continue
		}
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		unsigned = append(unsigned, entry)
	}
	sort.Slice(unsigned, func(i, j int) bool {
		if unsigned[i].validity.Priority == unsigned[j].validity.Priority {
			return unsigned[i].seq < unsigned[j].seq
		}
		return unsigned[i].validity.Priority > unsigned[j].validity.Priority
	})

	if limit <= 0 {
		limit = len(unsigned) + len(p.signed)
	}
	out := make([]Extrinsic, 0, limit)
	for _, entry := range unsigned {
		if len(out) == limit {
			break
		}
		out = append(out, entry.xt)
		for _, tag := range entry.validity.Provides {
			delete(p.unsigned, tag)
		}
	}
	taken := 0
	for _, entry := range p.signed {
		if len(out) == limit {
			break
		}
		out = append(out, entry.xt)
		taken++
	}
	p.signed = append([]*pooled(nil), p.signed[taken:]...)
	return out
}

// Pending 返回交易池中的交易副本。
func (p *Pool) Pending() []Extrinsic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Extrinsic, 0, p.lenLocked())
	seen := make(map[*pooled]struct{})
	for _, entry := range p.unsigned {
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry.xt)
	}
	for _, entry := range p.signed {
		out = append(out, entry.xt)
	}
	return out
}

// Len 返回交易池中的交易数量。
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lenLocked()
}

func (p *Pool) lenLocked() int {
	seen := make(map[*pooled]struct{}, len(p.unsigned))
	for _, entry := range p.unsigned {
		seen[entry] = struct{}{}
	}
	return len(seen) + len(p.signed)
}
