package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Используется без DATABASE_URI и в тестах.
type MemoryRepository struct {
	mu       sync.RWMutex
	auctions map[string]*model.Auction
	bids     map[string][]*model.Bid
	deposits map[string]*model.BidDeposit
	alerts   []model.FraudAlert

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		auctions: make(map[string]*model.Auction),
		bids:     make(map[string][]*model.Bid),
		deposits: make(map[string]*model.BidDeposit),
		locks:    make(map[string]chan struct{}),
	}
}

// Close ничего не делает.
func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) auctionLock(id string) chan struct{} {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[id] = l
	}
	return l
}

// InAuctionTx выполняет fn под блокировкой аукциона и применяет изменения, только если fn успешна.
func (r *MemoryRepository) InAuctionTx(ctx context.Context, auctionID string, fn func(tx AuctionTx) error) error {
	lock := r.auctionLock(auctionID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("lock auction: %w", ctx.Err())
	}
	defer func() { <-lock }()

	r.mu.RLock()
	stored, ok := r.auctions[auctionID]
	var snapshot model.Auction
	if ok {
		snapshot = *stored
	}
	r.mu.RUnlock()
	if !ok {
		return ErrAuctionNotFound
	}

	tx := &memAuctionTx{repo: r, auction: &snapshot}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bids[auctionID] {
		if _, outbid := tx.outbid[b.ID]; outbid {
			b.IsWinning = false
		}
	}
	for i := range tx.inserted {
		b := tx.inserted[i]
		r.bids[auctionID] = append(r.bids[auctionID], &b)
	}
	for _, u := range tx.depositUpdates {
		if d, ok := r.deposits[u.id]; ok {
			setDepositStatus(d, u.status, u.at)
		}
	}
	if tx.saved {
		a := *tx.auction
		// payout_dispatched меняется только через MarkPayoutDispatched.
		a.PayoutDispatched = r.auctions[auctionID].PayoutDispatched
		r.auctions[auctionID] = &a
	}
	return nil
}

type depositUpdate struct {
	id     string
	status model.DepositStatus
	at     time.Time
}

type memAuctionTx struct {
	repo           *MemoryRepository
	auction        *model.Auction
	inserted       []model.Bid
	outbid         map[string]struct{}
	depositUpdates []depositUpdate
	saved          bool
}

func (t *memAuctionTx) Auction() *model.Auction {
	return t.auction
}

func (t *memAuctionTx) WinningBid(_ context.Context) (*model.Bid, error) {
	for i := len(t.inserted) - 1; i >= 0; i-- {
		if t.inserted[i].IsWinning {
			b := t.inserted[i]
			return &b, nil
		}
	}

	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, b := range t.repo.bids[t.auction.ID] {
		if _, outbid := t.outbid[b.ID]; b.IsWinning && !outbid {
			c := *b
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memAuctionTx) BidderNumber(_ context.Context, userID string) (int, error) {
	maxNumber := 0
	for _, b := range t.inserted {
		if b.UserID == userID {
			return b.BidderNumber, nil
		}
		maxNumber = max(maxNumber, b.BidderNumber)
	}

	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, b := range t.repo.bids[t.auction.ID] {
		if b.UserID == userID {
			return b.BidderNumber, nil
		}
		maxNumber = max(maxNumber, b.BidderNumber)
	}
	return maxNumber + 1, nil
}

func (t *memAuctionTx) InsertBid(_ context.Context, b model.Bid) error {
	t.inserted = append(t.inserted, b)
	return nil
}

func (t *memAuctionTx) MarkOutbid(_ context.Context, bidID string) error {
	for i := range t.inserted {
		if t.inserted[i].ID == bidID {
			t.inserted[i].IsWinning = false
			return nil
		}
	}
	if t.outbid == nil {
		t.outbid = make(map[string]struct{})
	}
	t.outbid[bidID] = struct{}{}
	return nil
}

func (t *memAuctionTx) SaveAuction(_ context.Context) error {
	t.saved = true
	return nil
}

func (t *memAuctionTx) ActiveDeposit(_ context.Context, userID string) (*model.BidDeposit, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	for _, d := range t.repo.deposits {
		if d.UserID != userID || d.AuctionID != t.auction.ID {
			continue
		}
		c := *d
		for _, u := range t.depositUpdates {
			if u.id == c.ID {
				setDepositStatus(&c, u.status, u.at)
			}
		}
		if isActiveDeposit(c.Status) {
			return &c, nil
		}
	}
	return nil, ErrDepositNotFound
}

func (t *memAuctionTx) UpdateDepositStatus(_ context.Context, id string, status model.DepositStatus, at time.Time) error {
	t.repo.mu.RLock()
	_, ok := t.repo.deposits[id]
	t.repo.mu.RUnlock()
	if !ok {
		return ErrDepositNotFound
	}

	t.depositUpdates = append(t.depositUpdates, depositUpdate{id: id, status: status, at: at})
	return nil
}

// CreateAuction сохраняет новый аукцион.
func (r *MemoryRepository) CreateAuction(_ context.Context, a model.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.auctions {
		if existing.ListingID == a.ListingID {
			return fmt.Errorf("%w: %s", ErrAuctionExists, a.ListingID)
		}
	}
	r.auctions[a.ID] = &a
	return nil
}

// GetAuction возвращает копию аукциона.
func (r *MemoryRepository) GetAuction(_ context.Context, id string) (*model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.auctions[id]
	if !ok {
		return nil, ErrAuctionNotFound
	}
	c := *a
	return &c, nil
}

// ListBids возвращает ставки аукциона в порядке принятия.
func (r *MemoryRepository) ListBids(_ context.Context, auctionID string) ([]model.Bid, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := make([]model.Bid, 0, len(r.bids[auctionID]))
	for _, b := range r.bids[auctionID] {
		res = append(res, *b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Sequence < res[j].Sequence })
	return res, nil
}

func (r *MemoryRepository) selectIDs(limit int, match func(a *model.Auction) bool, less func(a, b *model.Auction) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []*model.Auction
	for _, a := range r.auctions {
		if match(a) {
			due = append(due, a)
		}
	}
	sort.Slice(due, func(i, j int) bool { return less(due[i], due[j]) })

	ids := make([]string, 0, len(due))
	for _, a := range due {
		if len(ids) == limit {
			break
		}
		ids = append(ids, a.ID)
	}
	return ids
}

// DueForActivation возвращает запланированные аукционы, время старта которых наступило.
func (r *MemoryRepository) DueForActivation(_ context.Context, now time.Time, limit int) ([]string, error) {
	return r.selectIDs(limit,
		func(a *model.Auction) bool {
			return a.Status == model.AuctionStatusScheduled && !a.StartTime.After(now)
		},
		func(a, b *model.Auction) bool { return a.StartTime.Before(b.StartTime) },
	), nil
}

// DueForEnding возвращает идущие аукционы с истёкшим дедлайном.
func (r *MemoryRepository) DueForEnding(_ context.Context, now time.Time, limit int) ([]string, error) {
	return r.selectIDs(limit,
		func(a *model.Auction) bool {
			return (a.Status == model.AuctionStatusActive || a.Status == model.AuctionStatusExtended) &&
				!a.CurrentEndTime.After(now)
		},
		func(a, b *model.Auction) bool { return a.CurrentEndTime.Before(b.CurrentEndTime) },
	), nil
}

// PendingPayouts возвращает проданные аукционы, выплата по которым ещё не передана.
func (r *MemoryRepository) PendingPayouts(_ context.Context, limit int) ([]string, error) {
	return r.selectIDs(limit,
		func(a *model.Auction) bool {
			return a.Status == model.AuctionStatusSold && !a.PayoutDispatched
		},
		func(a, b *model.Auction) bool { return a.UpdatedAt.Before(b.UpdatedAt) },
	), nil
}

// MarkPayoutDispatched отмечает, что выплата по аукциону передана.
func (r *MemoryRepository) MarkPayoutDispatched(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.auctions[id]
	if !ok {
		return ErrAuctionNotFound
	}
	a.PayoutDispatched = true
	return nil
}

// CountUserBidsSince возвращает число ставок пользователя по всем аукционам начиная с since.
func (r *MemoryRepository) CountUserBidsSince(_ context.Context, userID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, bids := range r.bids {
		for _, b := range bids {
			if b.UserID == userID && !b.CreatedAt.Before(since) {
				n++
			}
		}
	}
	return n, nil
}

// CountOtherBiddersFromIP возвращает число других пользователей, ставивших на аукцион с того же IP.
func (r *MemoryRepository) CountOtherBiddersFromIP(_ context.Context, auctionID, ip, excludeUserID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make(map[string]struct{})
	for _, b := range r.bids[auctionID] {
		if b.IPAddress == ip && b.UserID != excludeUserID && !b.CreatedAt.Before(since) {
			users[b.UserID] = struct{}{}
		}
	}
	return len(users), nil
}

// SaveFraudAlerts сохраняет сработавшие антифрод-сигналы.
func (r *MemoryRepository) SaveFraudAlerts(_ context.Context, alerts []model.FraudAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = append(r.alerts, alerts...)
	return nil
}

// FraudAlerts возвращает копию всех сохранённых сигналов.
func (r *MemoryRepository) FraudAlerts() []model.FraudAlert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]model.FraudAlert(nil), r.alerts...)
}

// FindActiveDeposit возвращает холд в статусе PENDING или HELD для пары (пользователь, аукцион).
func (r *MemoryRepository) FindActiveDeposit(_ context.Context, userID, auctionID string) (*model.BidDeposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.deposits {
		if d.UserID == userID && d.AuctionID == auctionID && isActiveDeposit(d.Status) {
			c := *d
			return &c, nil
		}
	}
	return nil, ErrDepositNotFound
}

func isActiveDeposit(s model.DepositStatus) bool {
	return s == model.DepositStatusPending || s == model.DepositStatusHeld
}

// CreateDeposit сохраняет новый холд. Для пары (пользователь, аукцион) допустим один активный холд.
func (r *MemoryRepository) CreateDeposit(_ context.Context, d model.BidDeposit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.deposits {
		if existing.UserID == d.UserID && existing.AuctionID == d.AuctionID &&
			isActiveDeposit(existing.Status) && isActiveDeposit(d.Status) {
			return fmt.Errorf("%w: user %s auction %s", ErrDepositExists, d.UserID, d.AuctionID)
		}
	}
	r.deposits[d.ID] = &d
	return nil
}

// GetDepositByReference возвращает холд по ссылке платёжного провайдера.
func (r *MemoryRepository) GetDepositByReference(_ context.Context, reference string) (*model.BidDeposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.deposits {
		if d.PaymentReference == reference {
			c := *d
			return &c, nil
		}
	}
	return nil, ErrDepositNotFound
}

// UpdateDepositStatus меняет статус холда и проставляет соответствующую отметку времени.
func (r *MemoryRepository) UpdateDepositStatus(_ context.Context, id string, status model.DepositStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deposits[id]
	if !ok {
		return ErrDepositNotFound
	}
	setDepositStatus(d, status, at)
	return nil
}

func setDepositStatus(d *model.BidDeposit, status model.DepositStatus, at time.Time) {
	d.Status = status
	switch status {
	case model.DepositStatusHeld:
		d.HeldAt = &at
	case model.DepositStatusReleased:
		d.ReleasedAt = &at
	}
}

// ListUnreleasedDeposits возвращает холды аукциона, ещё не снятые у провайдера.
func (r *MemoryRepository) ListUnreleasedDeposits(_ context.Context, auctionID string) ([]model.BidDeposit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.BidDeposit
	for _, d := range r.deposits {
		if d.AuctionID == auctionID && isUnreleased(d.Status) {
			res = append(res, *d)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func isUnreleased(s model.DepositStatus) bool {
	return isActiveDeposit(s) || s == model.DepositStatusReleasing
}

// PendingReleases возвращает аукционы, где остались холды для снятия: холды в статусе RELEASING
// и действующие холды проигравших на завершённых аукционах.
func (r *MemoryRepository) PendingReleases(_ context.Context, limit int) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	oldest := make(map[string]time.Time)
	for _, d := range r.deposits {
		a, ok := r.auctions[d.AuctionID]
		if !ok || !needsRelease(a, d) {
			continue
		}
		if t, seen := oldest[a.ID]; !seen || d.CreatedAt.Before(t) {
			oldest[a.ID] = d.CreatedAt
		}
	}

	ids := make([]string, 0, len(oldest))
	for id := range oldest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if !oldest[ids[i]].Equal(oldest[ids[j]]) {
			return oldest[ids[i]].Before(oldest[ids[j]])
		}
		return ids[i] < ids[j]
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func needsRelease(a *model.Auction, d *model.BidDeposit) bool {
	if d.Status == model.DepositStatusReleasing {
		return true
	}
	if !a.Status.IsTerminal() || !isActiveDeposit(d.Status) {
		return false
	}
	return a.WinnerID == nil || *a.WinnerID != d.UserID
}
