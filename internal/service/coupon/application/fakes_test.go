package application

import (
	"context"
	"sync"
	"time"

	"couponhub/internal/service/coupon/domain"
	"couponhub/internal/service/coupon/domain/port"
)

// 内存版的仓储与端口实现。互斥语义刻意对齐生产实现：
// 计数更新在仓储锁内原子完成，UpdateWithLock 串行化同一张券的并发转移。

type memPolicyRepo struct {
	mu       sync.Mutex
	policies map[int64]*domain.CouponPolicy
	saves    int
}

func newMemPolicyRepo(policies ...*domain.CouponPolicy) *memPolicyRepo {
	repo := &memPolicyRepo{policies: make(map[int64]*domain.CouponPolicy)}
	for _, p := range policies {
		cp := *p
		repo.policies[p.ID] = &cp
	}
	return repo
}

func (r *memPolicyRepo) FindByID(ctx context.Context, id int64) (*domain.CouponPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[id]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memPolicyRepo) FindByCode(ctx context.Context, code string) (*domain.CouponPolicy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.policies {
		if p.Code == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, domain.ErrPolicyNotFound
}

func (r *memPolicyRepo) DecrementIssueCount(ctx context.Context, policyID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.policies[policyID]
	if !ok {
		return false, domain.ErrPolicyNotFound
	}
	if p.MaxIssueCount != nil && p.CurrentIssueCount >= *p.MaxIssueCount {
		return false, nil
	}
	p.CurrentIssueCount++
	return true, nil
}

func (r *memPolicyRepo) CompensateIssueCount(ctx context.Context, policyID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[policyID]; ok && p.CurrentIssueCount > 0 {
		p.CurrentIssueCount--
	}
	return nil
}

func (r *memPolicyRepo) Save(ctx context.Context, policy *domain.CouponPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[policy.ID]; ok {
		p.MaxIssueCount = policy.MaxIssueCount
		r.saves++
	}
	return nil
}

func (r *memPolicyRepo) issuedCount(policyID int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policies[policyID].CurrentIssueCount
}

type memCouponRepo struct {
	mu      sync.Mutex
	coupons map[int64]*domain.CouponIssue

	failNextCreate  bool
	sweepCalls      int
	failSweepOnCall int // 1-based；0 不注入故障，负数表示每次都失败
}

func newMemCouponRepo(coupons ...*domain.CouponIssue) *memCouponRepo {
	repo := &memCouponRepo{coupons: make(map[int64]*domain.CouponIssue)}
	for _, c := range coupons {
		cp := *c
		repo.coupons[c.ID] = &cp
	}
	return repo
}

func (r *memCouponRepo) Create(ctx context.Context, coupon *domain.CouponIssue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNextCreate {
		r.failNextCreate = false
		return context.DeadlineExceeded
	}
	for _, existing := range r.coupons {
		if coupon.ReservationID != "" && existing.ReservationID == coupon.ReservationID {
			return domain.ErrDuplicateReservation
		}
	}
	cp := *coupon
	r.coupons[coupon.ID] = &cp
	return nil
}

func (r *memCouponRepo) FindByID(ctx context.Context, id int64) (*domain.CouponIssue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[id]
	if !ok {
		return nil, domain.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memCouponRepo) FindByUserID(ctx context.Context, userID int64) ([]*domain.CouponIssue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*domain.CouponIssue
	for _, c := range r.coupons {
		if c.UserID == userID {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (r *memCouponRepo) CountActiveByUserAndPolicy(ctx context.Context, userID, policyID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, c := range r.coupons {
		if c.UserID == userID && c.PolicyID == policyID && !c.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *memCouponRepo) UpdateWithLock(ctx context.Context, couponID int64,
	fn func(ctx context.Context, coupon *domain.CouponIssue) error) error {

	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coupons[couponID]
	if !ok {
		return domain.ErrCouponNotFound
	}
	return r.applyLocked(ctx, c, fn)
}

func (r *memCouponRepo) UpdateByReservationWithLock(ctx context.Context, reservationID string,
	fn func(ctx context.Context, coupon *domain.CouponIssue) error) error {

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.coupons {
		if c.ReservationID == reservationID {
			return r.applyLocked(ctx, c, fn)
		}
	}
	return domain.ErrCouponNotFound
}

// applyLocked 在持有仓储锁的前提下执行"加载副本 → fn → 写回"，
// 模拟生产实现里行锁事务的串行化效果。
// 写回前模拟 reservation_id 唯一索引：撞号的写回按生产实现
// 翻译成 ErrDuplicateReservation，而不是裸的存储错误。
func (r *memCouponRepo) applyLocked(ctx context.Context, c *domain.CouponIssue,
	fn func(ctx context.Context, coupon *domain.CouponIssue) error) error {

	cp := *c
	if err := fn(ctx, &cp); err != nil {
		return err
	}
	if cp.ReservationID != "" {
		for id, other := range r.coupons {
			if id != cp.ID && other.ReservationID == cp.ReservationID {
				return domain.ErrDuplicateReservation
			}
		}
	}
	cp.Version++
	*c = cp
	return nil
}

func (r *memCouponRepo) SweepTimedOutReservations(ctx context.Context, threshold time.Time, limit int,
	fn func(ctx context.Context, coupon *domain.CouponIssue) (bool, error)) ([]*domain.CouponIssue, error) {

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepCalls++
	if r.failSweepOnCall < 0 || (r.failSweepOnCall > 0 && r.sweepCalls == r.failSweepOnCall) {
		return nil, context.DeadlineExceeded
	}
	var saved []*domain.CouponIssue
	var seen int
	for _, c := range r.coupons {
		if seen >= limit {
			break
		}
		if c.Status != domain.StatusReserved || c.ReservedAt == nil || !c.ReservedAt.Before(threshold) {
			continue
		}
		seen++
		cp := *c
		keep, err := fn(ctx, &cp)
		if err != nil {
			return nil, err
		}
		if keep {
			cp.Version++
			*c = cp
			out := cp
			saved = append(saved, &out)
		}
	}
	return saved, nil
}

func (r *memCouponRepo) SweepExpired(ctx context.Context, now time.Time, limit int,
	fn func(ctx context.Context, coupon *domain.CouponIssue) (bool, error)) ([]*domain.CouponIssue, error) {

	r.mu.Lock()
	defer r.mu.Unlock()
	var saved []*domain.CouponIssue
	var seen int
	for _, c := range r.coupons {
		if seen >= limit {
			break
		}
		if c.IsTerminal() || !c.ExpiresAt.Before(now) {
			continue
		}
		seen++
		cp := *c
		keep, err := fn(ctx, &cp)
		if err != nil {
			return nil, err
		}
		if keep {
			cp.Version++
			*c = cp
			out := cp
			saved = append(saved, &out)
		}
	}
	return saved, nil
}

func (r *memCouponRepo) CountByPolicyGroupedByStatus(ctx context.Context, policyID int64) (map[domain.CouponStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[domain.CouponStatus]int64)
	for _, c := range r.coupons {
		if c.PolicyID == policyID {
			counts[c.Status]++
		}
	}
	return counts, nil
}

func (r *memCouponRepo) get(id int64) *domain.CouponIssue {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r.coupons[id]
	return &cp
}

// memLocker 是 port.DistributedLocker 的进程内实现。
type memLocker struct {
	mu    sync.Mutex
	locks map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]string)}
}

func (l *memLocker) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[key]; held {
		return false, nil
	}
	l.locks[key] = token
	return true, nil
}

func (l *memLocker) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[key] == token {
		delete(l.locks, key)
		return true, nil
	}
	return false, nil
}

func (l *memLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locks[key] == token, nil
}

// seqIDGen 发放连续 ID。
type seqIDGen struct {
	mu   sync.Mutex
	next int64
}

func (g *seqIDGen) NextID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next, nil
}

// memPublisher 收集发布出去的事件。
type memPublisher struct {
	mu     sync.Mutex
	events []*domain.ReservationTimeoutEvent
}

func (p *memPublisher) PublishReservationTimeout(ctx context.Context, event *domain.ReservationTimeoutEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// allowAll 放行一切请求的准入实现。
type allowAll struct{}

func (allowAll) IsAllowed(ctx context.Context, identifier, endpoint string) bool { return true }
func (allowAll) IsBlocked(ctx context.Context, identifier string) bool           { return false }

// denyAll 拒绝一切请求的准入实现。
type denyAll struct{}

func (denyAll) IsAllowed(ctx context.Context, identifier, endpoint string) bool { return false }
func (denyAll) IsBlocked(ctx context.Context, identifier string) bool           { return false }

// blockAll 把所有用户都视为黑名单用户。
type blockAll struct{}

func (blockAll) IsAllowed(ctx context.Context, identifier, endpoint string) bool { return true }
func (blockAll) IsBlocked(ctx context.Context, identifier string) bool           { return true }

// stubRuleEngine 按固定结果评估规则。
type stubRuleEngine struct {
	result bool
	err    error
}

func (e *stubRuleEngine) Evaluate(ctx context.Context, ruleExpr string, fact port.Fact) (bool, error) {
	return e.result, e.err
}

// memStatsCache 是 port.StatsCache 的直通内存实现。
type memStatsCache struct {
	mu    sync.Mutex
	items map[string]interface{}
	hits  int
}

func newMemStatsCache() *memStatsCache {
	return &memStatsCache{items: make(map[string]interface{})}
}

func (c *memStatsCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return false, nil
	}
	if stats, ok := v.(*PolicyStatsView); ok {
		if target, ok := dest.(*PolicyStatsView); ok {
			*target = *stats
			c.hits++
			return true, nil
		}
	}
	return false, nil
}

func (c *memStatsCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stats, ok := value.(*PolicyStatsView); ok {
		cp := *stats
		c.items[key] = &cp
	}
	return nil
}
