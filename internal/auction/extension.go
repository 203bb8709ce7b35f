package auction

import (
	"time"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// ExtensionPolicy задаёт правило антиснайпинга.
type ExtensionPolicy struct {
	// Window: если до дедлайна осталось меньше, ставка продлевает аукцион.
	Window time.Duration
	// Amount задаёт продление сверх окна.
	Amount time.Duration
	// MaxExtensions ограничивает число продлений. 0 снимает ограничение.
	MaxExtensions int
}

// DefaultExtensionPolicy продлевает на две минуты ставки в последние две минуты, без лимита.
var DefaultExtensionPolicy = ExtensionPolicy{
	Window: 2 * time.Minute,
	Amount: 2 * time.Minute,
}

// Extend применяет правило антиснайпинга к аукциону в момент принятия ставки now.
// Новый дедлайн: max(CurrentEndTime, now+Window) + Amount. Возвращает true, если дедлайн сдвинут.
func (p ExtensionPolicy) Extend(a *model.Auction, now time.Time) (bool, error) {
	if p.Window <= 0 || p.Amount <= 0 {
		return false, nil
	}
	if a.CurrentEndTime.Sub(now) >= p.Window {
		return false, nil
	}
	if p.MaxExtensions > 0 && a.ExtensionCount >= p.MaxExtensions {
		return false, nil
	}
	if _, err := Transition(a, model.AuctionStatusExtended, now); err != nil {
		return false, err
	}

	base := a.CurrentEndTime
	if floor := now.Add(p.Window); floor.After(base) {
		base = floor
	}
	a.CurrentEndTime = base.Add(p.Amount)
	a.ExtensionCount++
	return true, nil
}
