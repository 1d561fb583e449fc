package wallet

import (
	"fmt"
	"sort"
)

// Selectable is a spend candidate handed to a selector. Selectors see only
// outpoints and values, never wallet state.
type Selectable struct {
	Outpoint Outpoint
	Value    int64
}

// Selector picks a subset of the available coins whose value sum covers
// target, or fails with ErrInsufficientFunds. Selectors must be pure and
// deterministic for a fixed input list.
type Selector func(available []Selectable, target int64) ([]Selectable, error)

// SelectorByName resolves the POLICY.merge_algorithm option.
func SelectorByName(name string) (Selector, error) {
	switch name {
	case "", "default":
		return SelectDefault, nil
	case "gradual":
		return SelectGradual, nil
	case "greedy":
		return SelectGreedy, nil
	case "greediest":
		return SelectGreediest, nil
	}
	return nil, fmt.Errorf("unknown merge algorithm %q", name)
}

func totalValue(coins []Selectable) int64 {
	var sum int64
	for _, c := range coins {
		sum += c.Value
	}
	return sum
}

// sortedCopy returns the coins ordered by value with a fixed outpoint
// tie-break, ascending or descending.
func sortedCopy(available []Selectable, descending bool) []Selectable {
	coins := make([]Selectable, len(available))
	copy(coins, available)
	sort.Slice(coins, func(i, j int) bool {
		if coins[i].Value != coins[j].Value {
			if descending {
				return coins[i].Value > coins[j].Value
			}
			return coins[i].Value < coins[j].Value
		}
		return coins[i].Outpoint.storageKey() < coins[j].Outpoint.storageKey()
	})
	return coins
}

func accumulate(coins []Selectable, target int64) ([]Selectable, error) {
	var sum int64
	for i, c := range coins {
		sum += c.Value
		if sum >= target {
			out := make([]Selectable, i+1)
			copy(out, coins[:i+1])
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, sum, target)
}

// SelectDefault prefers minimal over-selection: the smallest single coin
// covering the target if one exists, otherwise largest-first accumulation.
func SelectDefault(available []Selectable, target int64) ([]Selectable, error) {
	asc := sortedCopy(available, false)
	for _, c := range asc {
		if c.Value >= target {
			return []Selectable{c}, nil
		}
	}
	return accumulate(sortedCopy(available, true), target)
}

// SelectGradual spends the smallest coins first, gradually reducing the
// wallet's dust population at the cost of more inputs.
func SelectGradual(available []Selectable, target int64) ([]Selectable, error) {
	return accumulate(sortedCopy(available, false), target)
}

// SelectGreedy takes the largest coins first, minimizing input count.
func SelectGreedy(available []Selectable, target int64) ([]Selectable, error) {
	return accumulate(sortedCopy(available, true), target)
}

// SelectGreediest consolidates: every available coin is spent, provided the
// total covers the target.
func SelectGreediest(available []Selectable, target int64) ([]Selectable, error) {
	if sum := totalValue(available); sum < target {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, sum, target)
	}
	return sortedCopy(available, true), nil
}
