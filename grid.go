package main

import (
	"crypto/rand"
	"fmt"
)

const gridSize = 5

// completedLines returns the identifiers of every fully marked line on a
// 5x5 board. The layout is row-major: index i maps to row i/5, column i%5.
// A single new mark can complete several lines at once, so callers always
// re-evaluate against the full marked set rather than incrementally.
func completedLines(layout []int, marked map[int]bool) []string {
	if len(layout) != gridSize*gridSize {
		return nil
	}

	var mask [gridSize][gridSize]bool
	for i, num := range layout {
		if marked[num] {
			mask[i/gridSize][i%gridSize] = true
		}
	}

	lines := []string{}

	for i := 0; i < gridSize; i++ {
		row, col := true, true
		for j := 0; j < gridSize; j++ {
			row = row && mask[i][j]
			col = col && mask[j][i]
		}
		if row {
			lines = append(lines, fmt.Sprintf("row-%d", i))
		}
		if col {
			lines = append(lines, fmt.Sprintf("col-%d", i))
		}
	}

	main, anti := true, true
	for i := 0; i < gridSize; i++ {
		main = main && mask[i][i]
		anti = anti && mask[i][gridSize-1-i]
	}
	if main {
		lines = append(lines, "diag-main")
	}
	if anti {
		lines = append(lines, "diag-anti")
	}

	return lines
}

// newLines filters out lines already recorded as won, so a line is only
// ever scored once per round.
func newLines(lines []string, won map[string]bool) []string {
	fresh := []string{}
	for _, line := range lines {
		if !won[line] {
			fresh = append(fresh, line)
		}
	}
	return fresh
}

// shuffledNumbers returns 1..n in random order, used as a room's draw order.
func shuffledNumbers(n int) []int {
	nums := make([]int, n)
	for i := range nums {
		nums[i] = i + 1
	}

	// Fisher-Yates shuffle using crypto/rand
	for i := len(nums) - 1; i > 0; i-- {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			continue
		}
		j := int(b[0]) % (i + 1)
		nums[i], nums[j] = nums[j], nums[i]
	}

	return nums
}

// validLayout reports whether a client-submitted grid layout is usable:
// exactly 25 distinct positive numbers.
func validLayout(layout []int) bool {
	if len(layout) != gridSize*gridSize {
		return false
	}
	seen := make(map[int]bool, len(layout))
	for _, num := range layout {
		if num < 1 || seen[num] {
			return false
		}
		seen[num] = true
	}
	return true
}
