package tools

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// Roll is a parsed damage expression of the form NdS, NdS+M, NdS-M or a
// plain integer.
type Roll struct {
	Count    int
	Sides    int
	Modifier int
}

// ParseRoll parses expr. N defaults to 1 when omitted, S must be at least 1
// and M may be negative. A bare integer is a roll with no dice.
func ParseRoll(expr string) (Roll, error) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" {
		return Roll{}, errors.New("tools: empty roll expression")
	}
	if n, err := strconv.Atoi(expr); err == nil {
		return Roll{Modifier: n}, nil
	}

	dIdx := strings.Index(expr, "d")
	if dIdx == -1 {
		return Roll{}, fmt.Errorf("tools: invalid roll %q: missing 'd' separator", expr)
	}

	r := Roll{Count: 1}
	if countStr := expr[:dIdx]; countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil {
			return Roll{}, fmt.Errorf("tools: invalid dice count %q in roll %q", countStr, expr)
		}
		r.Count = n
	}
	if r.Count < 1 {
		return Roll{}, fmt.Errorf("tools: dice count must be ≥ 1 in roll %q", expr)
	}

	rest := expr[dIdx+1:]
	sidesStr, modStr, sign := rest, "", 0
	if i := strings.IndexAny(rest, "+-"); i != -1 {
		sidesStr, modStr, sign = rest[:i], rest[i+1:], 1
		if rest[i] == '-' {
			sign = -1
		}
	}

	sides, err := strconv.Atoi(sidesStr)
	if err != nil {
		return Roll{}, fmt.Errorf("tools: invalid sides %q in roll %q", sidesStr, expr)
	}
	if sides < 1 {
		return Roll{}, fmt.Errorf("tools: sides must be ≥ 1 in roll %q", expr)
	}
	r.Sides = sides

	if sign != 0 {
		mod, err := strconv.Atoi(modStr)
		if err != nil {
			return Roll{}, fmt.Errorf("tools: invalid modifier %q in roll %q", modStr, expr)
		}
		r.Modifier = sign * mod
	}
	return r, nil
}

// Evaluate rolls r. intN returns a value in [0, n); nil uses math/rand/v2.
func (r Roll) Evaluate(intN func(n int) int) int {
	if intN == nil {
		intN = rand.IntN
	}
	total := r.Modifier
	for range r.Count {
		total += intN(r.Sides) + 1
	}
	return total
}
