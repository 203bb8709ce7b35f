// Package sweeper переводит аукционы по расписанию: запускает запланированные,
// завершает истёкшие, передаёт выплаты по проданным и дожимает снятие холдов.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/auction-bidding/internal/auction"
	"github.com/mmeshcher/auction-bidding/internal/clock"
	"github.com/mmeshcher/auction-bidding/internal/model"
	"github.com/mmeshcher/auction-bidding/internal/repository"
)

// Этапы обработки аукциона.
const (
	StageActivate = "activate"
	StageEnd      = "end"
	StagePayout   = "payout"
	StageRelease  = "release"
)

// Store определяет хранилище аукционов.
type Store interface {
	InAuctionTx(ctx context.Context, auctionID string, fn func(tx repository.AuctionTx) error) error
	GetAuction(ctx context.Context, id string) (*model.Auction, error)
	DueForActivation(ctx context.Context, now time.Time, limit int) ([]string, error)
	DueForEnding(ctx context.Context, now time.Time, limit int) ([]string, error)
	PendingPayouts(ctx context.Context, limit int) ([]string, error)
	MarkPayoutDispatched(ctx context.Context, id string) error
	PendingReleases(ctx context.Context, limit int) ([]string, error)
}

// DepositReleaser снимает холды проигравших участников.
type DepositReleaser interface {
	ReleaseAll(ctx context.Context, auctionID, keepUserID string) (int, error)
	ResumeReleases(ctx context.Context, auctionID string) (int, error)
}

// PayoutTrigger передаёт выплату по проданному аукциону.
type PayoutTrigger interface {
	TriggerPayout(ctx context.Context, a *model.Auction) error
}

// Notifier принимает события без блокировки.
type Notifier interface {
	Publish(topic string, e model.Event)
}

// Escalator получает аукционы, которые не удаётся обработать несколько проходов подряд.
type Escalator interface {
	Escalate(auctionID, stage string, failures int, err error)
}

// Config задаёт параметры прохода.
type Config struct {
	Interval time.Duration
	// AuctionTimeout ограничивает обработку одного аукциона.
	AuctionTimeout time.Duration
	BatchSize      int
	// EscalateAfter задаёт число неудачных проходов подряд, после которого аукцион эскалируется.
	EscalateAfter int
}

// DefaultConfig содержит параметры по умолчанию.
var DefaultConfig = Config{
	Interval:       time.Minute,
	AuctionTimeout: 10 * time.Second,
	BatchSize:      500,
	EscalateAfter:  3,
}

// AuctionError описывает сбой обработки одного аукциона.
type AuctionError struct {
	AuctionID string
	Stage     string
	Err       error
}

func (e AuctionError) Error() string {
	return fmt.Sprintf("auction %s: %s: %v", e.AuctionID, e.Stage, e.Err)
}

func (e AuctionError) Unwrap() error {
	return e.Err
}

// Report содержит итог прохода.
type Report struct {
	Activated         int
	Ended             int
	Sold              int
	NoSale            int
	PayoutsDispatched int
	DepositsReleased  int
	Errors            []AuctionError
}

// Sweeper выполняет проходы жизненного цикла.
type Sweeper struct {
	store    Store
	deposits DepositReleaser
	payouts  PayoutTrigger
	notifier Notifier
	escalate Escalator
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger

	// Только один проход одновременно: тикер и ручной запуск не пересекаются.
	runMu sync.Mutex

	failMu   sync.Mutex
	failures map[string]int
}

// New создаёт sweeper. deposits, payouts, notifier и escalator могут быть nil.
func New(store Store, deposits DepositReleaser, payouts PayoutTrigger, notifier Notifier, escalator Escalator, clk clock.Clock, cfg Config, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig.BatchSize
	}
	if cfg.AuctionTimeout <= 0 {
		cfg.AuctionTimeout = DefaultConfig.AuctionTimeout
	}
	if escalator == nil {
		escalator = logEscalator{logger: logger}
	}
	return &Sweeper{
		store:    store,
		deposits: deposits,
		payouts:  payouts,
		notifier: notifier,
		escalate: escalator,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		failures: make(map[string]int),
	}
}

// Start запускает проходы каждые cfg.Interval до отмены ctx.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Run(ctx, s.clock.Now())
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("lifecycle sweep failed", zap.Error(err))
				continue
			}
			s.logReport(report)
		}
	}
}

func (s *Sweeper) logReport(r *Report) {
	if r.Activated+r.Ended+r.PayoutsDispatched+r.DepositsReleased+len(r.Errors) == 0 {
		return
	}
	s.logger.Info("lifecycle sweep completed",
		zap.Int("activated", r.Activated),
		zap.Int("ended", r.Ended),
		zap.Int("sold", r.Sold),
		zap.Int("no_sale", r.NoSale),
		zap.Int("payouts", r.PayoutsDispatched),
		zap.Int("deposits_released", r.DepositsReleased),
		zap.Int("errors", len(r.Errors)),
	)
}

// Run выполняет один проход на момент now. Сбой одного аукциона попадает в Report.Errors
// и не мешает остальным; ошибка возвращается, только если не удалось выбрать аукционы.
// Повторный проход по уже обработанным аукционам ничего не меняет.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (*Report, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var (
		activation = &Report{}
		ending     = &Report{}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.activationPass(gctx, now, activation)
	})
	g.Go(func() error {
		if err := s.payoutPass(gctx, ending); err != nil {
			return err
		}
		if err := s.releasePass(gctx, ending); err != nil {
			return err
		}
		return s.endingPass(gctx, now, ending)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		Activated:         activation.Activated,
		Ended:             ending.Ended,
		Sold:              ending.Sold,
		NoSale:            ending.NoSale,
		PayoutsDispatched: ending.PayoutsDispatched,
		DepositsReleased:  ending.DepositsReleased,
		Errors:            append(activation.Errors, ending.Errors...),
	}
	return report, nil
}

func (s *Sweeper) activationPass(ctx context.Context, now time.Time, r *Report) error {
	ids, err := s.store.DueForActivation(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select auctions to activate: %w", err)
	}

	for _, id := range ids {
		activated, err := s.activate(ctx, id, now)
		if s.track(r, id, StageActivate, err) {
			continue
		}
		if activated {
			r.Activated++
			s.logger.Info("auction activated", zap.String("auction_id", id))
		}
	}
	return nil
}

func (s *Sweeper) activate(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuctionTimeout)
	defer cancel()

	var activated bool
	err := s.store.InAuctionTx(ctx, id, func(tx repository.AuctionTx) error {
		ok, err := auction.Activate(tx.Auction(), now)
		if err != nil || !ok {
			return err
		}
		activated = true
		return tx.SaveAuction(ctx)
	})
	return activated, err
}

func (s *Sweeper) endingPass(ctx context.Context, now time.Time, r *Report) error {
	ids, err := s.store.DueForEnding(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select auctions to end: %w", err)
	}

	for _, id := range ids {
		ended, err := s.end(ctx, id, now)
		if s.track(r, id, StageEnd, err) {
			continue
		}
		if ended == nil {
			continue
		}

		r.Ended++
		if ended.Status == model.AuctionStatusSold {
			r.Sold++
		} else {
			r.NoSale++
		}
		s.logger.Info("auction ended",
			zap.String("auction_id", id), zap.String("status", string(ended.Status)))

		s.afterEnd(ctx, ended, r)
	}
	return nil
}

// end завершает аукцион и возвращает его итоговое состояние или nil, если менять было нечего.
func (s *Sweeper) end(ctx context.Context, id string, now time.Time) (*model.Auction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuctionTimeout)
	defer cancel()

	var ended *model.Auction
	err := s.store.InAuctionTx(ctx, id, func(tx repository.AuctionTx) error {
		winning, err := tx.WinningBid(ctx)
		if err != nil {
			return err
		}
		a := tx.Auction()
		ok, err := auction.End(a, winning, now)
		if err != nil || !ok {
			return err
		}
		if err := tx.SaveAuction(ctx); err != nil {
			return err
		}
		snapshot := *a
		ended = &snapshot
		return nil
	})
	return ended, err
}

func (s *Sweeper) afterEnd(ctx context.Context, a *model.Auction, r *Report) {
	if s.notifier != nil {
		s.notifier.Publish(model.TopicAuctionEnded, model.AuctionEndedEvent{
			AuctionID:  a.ID,
			Status:     a.Status,
			FinalPrice: a.FinalPrice,
			WinnerID:   a.WinnerID,
		})
	}

	if s.deposits != nil {
		keep := ""
		if a.WinnerID != nil {
			keep = *a.WinnerID
		}
		rctx, cancel := context.WithTimeout(ctx, s.cfg.AuctionTimeout)
		n, err := s.deposits.ReleaseAll(rctx, a.ID, keep)
		cancel()
		r.DepositsReleased += n
		s.track(r, a.ID, StageRelease, err)
	}

	if a.Status == model.AuctionStatusSold && s.payouts != nil {
		err := s.dispatchPayout(ctx, a)
		if s.track(r, a.ID, StagePayout, err) {
			return
		}
		r.PayoutsDispatched++
	}
}

// payoutPass повторяет передачу выплат, которые не удалось передать в прошлых проходах.
func (s *Sweeper) payoutPass(ctx context.Context, r *Report) error {
	if s.payouts == nil {
		return nil
	}

	ids, err := s.store.PendingPayouts(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select pending payouts: %w", err)
	}

	for _, id := range ids {
		a, err := s.store.GetAuction(ctx, id)
		if err == nil {
			err = s.dispatchPayout(ctx, a)
		}
		if s.track(r, id, StagePayout, err) {
			continue
		}
		r.PayoutsDispatched++
	}
	return nil
}

// releasePass повторяет снятие холдов, которое не удалось завершить раньше: после завершения
// или отмены аукциона и при снятии холда перебитого участника.
func (s *Sweeper) releasePass(ctx context.Context, r *Report) error {
	if s.deposits == nil {
		return nil
	}

	ids, err := s.store.PendingReleases(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select pending releases: %w", err)
	}

	for _, id := range ids {
		n, err := s.resumeRelease(ctx, id)
		r.DepositsReleased += n
		s.track(r, id, StageRelease, err)
	}
	return nil
}

func (s *Sweeper) resumeRelease(ctx context.Context, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuctionTimeout)
	defer cancel()

	a, err := s.store.GetAuction(ctx, id)
	if err != nil {
		return 0, err
	}
	if !a.Status.IsTerminal() {
		return s.deposits.ResumeReleases(ctx, id)
	}

	keep := ""
	if a.WinnerID != nil {
		keep = *a.WinnerID
	}
	return s.deposits.ReleaseAll(ctx, id, keep)
}

func (s *Sweeper) dispatchPayout(ctx context.Context, a *model.Auction) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AuctionTimeout)
	defer cancel()

	if err := s.payouts.TriggerPayout(ctx, a); err != nil {
		return err
	}
	return s.store.MarkPayoutDispatched(ctx, a.ID)
}

// track учитывает результат обработки аукциона на этапе stage. Возвращает true при ошибке.
func (s *Sweeper) track(r *Report, id, stage string, err error) bool {
	key := stage + ":" + id

	s.failMu.Lock()
	if err == nil {
		delete(s.failures, key)
		s.failMu.Unlock()
		return false
	}
	s.failures[key]++
	failures := s.failures[key]
	s.failMu.Unlock()

	r.Errors = append(r.Errors, AuctionError{AuctionID: id, Stage: stage, Err: err})
	s.logger.Error("failed to process auction",
		zap.String("auction_id", id),
		zap.String("stage", stage),
		zap.Int("attempt", failures),
		zap.Error(err),
	)

	if s.cfg.EscalateAfter > 0 && failures >= s.cfg.EscalateAfter && !errors.Is(err, context.Canceled) {
		s.escalate.Escalate(id, stage, failures, err)
	}
	return true
}

type logEscalator struct {
	logger *zap.Logger
}

func (e logEscalator) Escalate(auctionID, stage string, failures int, err error) {
	e.logger.Error("auction keeps failing lifecycle sweeps, manual attention required",
		zap.String("auction_id", auctionID),
		zap.String("stage", stage),
		zap.Int("consecutive_failures", failures),
		zap.Bool("escalated", true),
		zap.Error(err),
	)
}
