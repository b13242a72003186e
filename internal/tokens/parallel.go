// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokens

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/siilats/CodeGPT/internal/model"
)

// CountAll counts every message concurrently and returns the per-message
// counts in input order. Messages must not be mutated while counting.
func CountAll(ctx context.Context, c Counter, msgs []model.Message) ([]int, error) {
	counts := make([]int, len(msgs))
	if len(msgs) == 0 {
		return counts, nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range msgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			counts[i] = c.CountMessageTokens(msgs[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Sum adds counts.
func Sum(counts []int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
