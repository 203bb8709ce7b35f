// Package auction реализует конечный автомат статусов аукциона и правило антиснайпинга.
package auction

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// ErrIllegalTransition возвращается при попытке перехода, отсутствующего в таблице.
var ErrIllegalTransition = errors.New("illegal auction status transition")

// TransitionError описывает недопустимый переход. Это ошибка программы, а не бизнес-отказ.
type TransitionError struct {
	AuctionID string
	From      model.AuctionStatus
	To        model.AuctionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("auction %s: %s -> %s: %s", e.AuctionID, e.From, e.To, ErrIllegalTransition)
}

func (e *TransitionError) Unwrap() error {
	return ErrIllegalTransition
}

var transitions = map[model.AuctionStatus][]model.AuctionStatus{
	model.AuctionStatusScheduled: {model.AuctionStatusActive, model.AuctionStatusCancelled},
	model.AuctionStatusActive:    {model.AuctionStatusExtended, model.AuctionStatusEnded, model.AuctionStatusCancelled},
	// EXTENDED не возвращается в ACTIVE.
	model.AuctionStatusExtended: {model.AuctionStatusEnded, model.AuctionStatusCancelled},
	model.AuctionStatusEnded:    {model.AuctionStatusSold, model.AuctionStatusNoSale},
}

// CanTransition сообщает, разрешён ли переход from -> to. Переход в тот же статус всегда разрешён
// и ничего не меняет.
func CanTransition(from, to model.AuctionStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition переводит аукцион в статус to. Возвращает false, если статус уже был to.
func Transition(a *model.Auction, to model.AuctionStatus, now time.Time) (bool, error) {
	if !CanTransition(a.Status, to) {
		return false, &TransitionError{AuctionID: a.ID, From: a.Status, To: to}
	}
	if a.Status == to {
		return false, nil
	}
	a.Status = to
	a.UpdatedAt = now
	return true, nil
}

// AcceptsBids сообщает, принимает ли аукцион ставки в статусе s.
func AcceptsBids(s model.AuctionStatus) bool {
	return s == model.AuctionStatusActive || s == model.AuctionStatusExtended
}

// IsOpenAt сообщает, что аукцион принимает ставки в момент now: статус допускает ставки
// и дедлайн ещё не наступил.
func IsOpenAt(a *model.Auction, now time.Time) bool {
	return AcceptsBids(a.Status) && now.Before(a.CurrentEndTime)
}

// Activate переводит запланированный аукцион в ACTIVE, если наступило время старта.
// Возвращает false, если аукцион уже не SCHEDULED или ещё рано.
func Activate(a *model.Auction, now time.Time) (bool, error) {
	if a.Status != model.AuctionStatusScheduled || now.Before(a.StartTime) {
		return false, nil
	}
	return Transition(a, model.AuctionStatusActive, now)
}

// Cancel отменяет аукцион оператором.
func Cancel(a *model.Auction, now time.Time) (bool, error) {
	return Transition(a, model.AuctionStatusCancelled, now)
}

// End завершает аукцион, у которого истёк дедлайн, и сразу определяет исход:
// SOLD при выполненном резерве и наличии ставки, иначе NO_SALE.
// winning содержит текущую выигрывающую ставку или nil. Повторный вызов для завершённого
// аукциона ничего не меняет и возвращает false.
func End(a *model.Auction, winning *model.Bid, now time.Time) (bool, error) {
	if a.Status == model.AuctionStatusEnded || a.Status.IsTerminal() {
		if a.Status == model.AuctionStatusEnded {
			return settle(a, winning, now)
		}
		return false, nil
	}
	if !AcceptsBids(a.Status) || now.Before(a.CurrentEndTime) {
		return false, nil
	}
	if _, err := Transition(a, model.AuctionStatusEnded, now); err != nil {
		return false, err
	}
	return settle(a, winning, now)
}

func settle(a *model.Auction, winning *model.Bid, now time.Time) (bool, error) {
	if a.ReserveMet && a.BidCount > 0 && winning != nil {
		if _, err := Transition(a, model.AuctionStatusSold, now); err != nil {
			return false, err
		}
		winner := winning.UserID
		price := winning.Amount
		a.WinnerID = &winner
		a.FinalPrice = &price
		return true, nil
	}
	if _, err := Transition(a, model.AuctionStatusNoSale, now); err != nil {
		return false, err
	}
	return true, nil
}
