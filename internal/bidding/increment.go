package bidding

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/auction-bidding/internal/model"
)

// IncrementPolicy возвращает минимальный шаг ставки для текущей цены.
type IncrementPolicy func(current decimal.Decimal) decimal.Decimal

// FlatIncrement возвращает политику с фиксированным шагом.
func FlatIncrement(step decimal.Decimal) IncrementPolicy {
	return func(decimal.Decimal) decimal.Decimal {
		return step
	}
}

// IncrementTier задаёт шаг Step для цен от From включительно.
type IncrementTier struct {
	From decimal.Decimal
	Step decimal.Decimal
}

// TieredIncrement возвращает политику со ступенчатым шагом по ценовым диапазонам.
func TieredIncrement(tiers []IncrementTier) IncrementPolicy {
	sorted := append([]IncrementTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From.LessThan(sorted[j].From) })

	return func(current decimal.Decimal) decimal.Decimal {
		step := decimal.Zero
		for _, t := range sorted {
			if current.LessThan(t.From) {
				break
			}
			step = t.Step
		}
		return step
	}
}

// ParseIncrementTiers разбирает строку вида "0:1,100:5,1000:10".
func ParseIncrementTiers(s string) ([]IncrementTier, error) {
	var tiers []IncrementTier
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		from, step, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("increment tier %q: want from:step", part)
		}

		fromDec, err := decimal.NewFromString(strings.TrimSpace(from))
		if err != nil {
			return nil, fmt.Errorf("increment tier %q: from: %w", part, err)
		}
		stepDec, err := decimal.NewFromString(strings.TrimSpace(step))
		if err != nil {
			return nil, fmt.Errorf("increment tier %q: step: %w", part, err)
		}
		if fromDec.IsNegative() || !stepDec.IsPositive() {
			return nil, fmt.Errorf("increment tier %q: from must be >= 0 and step > 0", part)
		}

		tiers = append(tiers, IncrementTier{From: fromDec, Step: stepDec})
	}

	if len(tiers) == 0 {
		return nil, fmt.Errorf("no increment tiers in %q", s)
	}
	return tiers, nil
}

// MinimumBid возвращает минимально допустимую следующую ставку: текущая ставка
// (или стартовая цена, если ставок нет) плюс шаг.
func MinimumBid(a *model.Auction, inc IncrementPolicy) decimal.Decimal {
	base := a.StartingPrice
	if a.CurrentBid != nil {
		base = *a.CurrentBid
	}
	return base.Add(inc(base))
}

// CurrentPrice возвращает текущую цену аукциона.
func CurrentPrice(a *model.Auction) decimal.Decimal {
	if a.CurrentBid != nil {
		return *a.CurrentBid
	}
	return a.StartingPrice
}
