package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Backend 任务存储。所有方法都是原子的。
type Backend interface {
	// Add 插入任务；同 ID 任务存在（任何状态）时返回 false。
	Add(ctx context.Context, job *Job) (bool, error)
	// Reserve 把到期的延迟任务移入等待队列，取出队首并标记为 active、尝试次数加一，
	// 以 token 持有租约直到 lockUntil；没有任务返回 nil。
	Reserve(ctx context.Context, now time.Time, token string, lockUntil time.Time) (*Job, error)
	// Extend 续期租约
	Extend(ctx context.Context, id, token string, lockUntil time.Time) error
	// 以下迁移都要求 token 与当前租约一致，否则返回 ErrLockLost
	Complete(ctx context.Context, id, token string, now time.Time) error
	// Retry active -> delayed
	Retry(ctx context.Context, id, token, errMsg string, runAt time.Time) error
	// Bury active -> dead
	Bury(ctx context.Context, id, token, errMsg string, now time.Time) error
	Purge(ctx context.Context, r Retention) (int, error)
	Get(ctx context.Context, id string) (*Job, error)
	Counts(ctx context.Context) (Counts, error)
	// RequeueStalled 把租约在 now 之前到期的 active 任务放回等待队列，
	// 并退回那次投递占用的尝试次数
	RequeueStalled(ctx context.Context, now time.Time) (int, error)
}

// MemoryBackend 进程内任务存储
type MemoryBackend struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	waiting   []string
	delayed   delayHeap
	active    map[string]struct{}
	completed []string // 按完成顺序
	dead      []string
	seq       uint64
}

// NewMemoryBackend 创建内存存储
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:   make(map[string]*Job),
		active: make(map[string]struct{}),
	}
}

func (b *MemoryBackend) Add(_ context.Context, job *Job) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.jobs[job.ID]; ok {
		return false, nil
	}
	j := *job
	j.State = StateWaiting
	b.jobs[j.ID] = &j
	b.waiting = append(b.waiting, j.ID)
	return true, nil
}

func (b *MemoryBackend) Reserve(_ context.Context, now time.Time, token string, lockUntil time.Time) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.delayed.Len() > 0 && !b.delayed[0].runAt.After(now) {
		item := heap.Pop(&b.delayed).(delayItem)
		if j, ok := b.jobs[item.id]; ok && j.State == StateDelayed {
			j.State = StateWaiting
			b.waiting = append(b.waiting, item.id)
		}
	}
	if len(b.waiting) == 0 {
		return nil, nil
	}

	id := b.waiting[0]
	b.waiting = b.waiting[1:]
	j := b.jobs[id]
	j.State = StateActive
	j.AttemptsMade++
	j.ProcessedAt = now
	j.Token = token
	j.LockedUntil = lockUntil
	b.active[id] = struct{}{}

	out := *j
	return &out, nil
}

func (b *MemoryBackend) activeJob(id, token string) (*Job, error) {
	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if _, ok := b.active[id]; !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, j.State)
	}
	if j.Token != token {
		return nil, fmt.Errorf("%w: %s", ErrLockLost, id)
	}
	return j, nil
}

// release 移出 active 并清除租约
func (b *MemoryBackend) release(j *Job) {
	delete(b.active, j.ID)
	j.Token = ""
	j.LockedUntil = time.Time{}
}

func (b *MemoryBackend) Extend(_ context.Context, id, token string, lockUntil time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.activeJob(id, token)
	if err != nil {
		return err
	}
	j.LockedUntil = lockUntil
	return nil
}

func (b *MemoryBackend) Complete(_ context.Context, id, token string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.activeJob(id, token)
	if err != nil {
		return err
	}
	b.release(j)
	j.State = StateCompleted
	j.FinishedAt = now
	b.completed = append(b.completed, id)
	return nil
}

func (b *MemoryBackend) Retry(_ context.Context, id, token, errMsg string, runAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.activeJob(id, token)
	if err != nil {
		return err
	}
	b.release(j)
	j.State = StateDelayed
	j.LastError = errMsg
	j.RunAt = runAt
	b.seq++
	heap.Push(&b.delayed, delayItem{id: id, runAt: runAt, seq: b.seq})
	return nil
}

func (b *MemoryBackend) Bury(_ context.Context, id, token, errMsg string, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, err := b.activeJob(id, token)
	if err != nil {
		return err
	}
	b.release(j)
	j.State = StateDead
	j.LastError = errMsg
	j.FinishedAt = now
	b.dead = append(b.dead, id)
	return nil
}

func (b *MemoryBackend) Purge(_ context.Context, r Retention) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	keep := b.completed[:0]
	for _, id := range b.completed {
		if !r.CompletedBefore.IsZero() && b.jobs[id].FinishedAt.Before(r.CompletedBefore) {
			delete(b.jobs, id)
			removed++
			continue
		}
		keep = append(keep, id)
	}
	b.completed = keep
	if r.CompletedMaxCount > 0 && len(b.completed) > r.CompletedMaxCount {
		drop := len(b.completed) - r.CompletedMaxCount
		for _, id := range b.completed[:drop] {
			delete(b.jobs, id)
			removed++
		}
		b.completed = append([]string(nil), b.completed[drop:]...)
	}

	keepDead := b.dead[:0]
	for _, id := range b.dead {
		if !r.DeadBefore.IsZero() && b.jobs[id].FinishedAt.Before(r.DeadBefore) {
			delete(b.jobs, id)
			removed++
			continue
		}
		keepDead = append(keepDead, id)
	}
	b.dead = keepDead
	return removed, nil
}

func (b *MemoryBackend) Get(_ context.Context, id string) (*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, ok := b.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	out := *j
	return &out, nil
}

func (b *MemoryBackend) Counts(_ context.Context) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Counts{
		Waiting:   int64(len(b.waiting)),
		Delayed:   int64(b.delayed.Len()),
		Active:    int64(len(b.active)),
		Completed: int64(len(b.completed)),
		Dead:      int64(len(b.dead)),
	}, nil
}

func (b *MemoryBackend) RequeueStalled(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var stalled []*Job
	for id := range b.active {
		if j := b.jobs[id]; j.LockedUntil.Before(now) {
			stalled = append(stalled, j)
		}
	}
	// 按租约到期先后放回，保持大致的投递顺序
	sort.Slice(stalled, func(i, k int) bool {
		if stalled[i].LockedUntil.Equal(stalled[k].LockedUntil) {
			return stalled[i].ID < stalled[k].ID
		}
		return stalled[i].LockedUntil.Before(stalled[k].LockedUntil)
	})
	for _, j := range stalled {
		b.release(j)
		j.State = StateWaiting
		if j.AttemptsMade > 0 {
			j.AttemptsMade--
		}
		b.waiting = append(b.waiting, j.ID)
	}
	return len(stalled), nil
}

type delayItem struct {
	id    string
	runAt time.Time
	seq   uint64
}

// delayHeap 按 runAt 排序，相同时间按入堆顺序
type delayHeap []delayItem

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)   { *h = append(*h, x.(delayItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
