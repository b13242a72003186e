// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package completion

import (
	"errors"
	"fmt"
)

// ErrTotalUsageExceeded reports that a chat request does not fit the model's
// context window and trimming is not permitted.
var ErrTotalUsageExceeded = errors.New("total token usage exceeds model context window")

// UsageExceededError carries the numbers behind ErrTotalUsageExceeded.
type UsageExceededError struct {
	Model      string
	TotalUsage int
	MaxTokens  int
}

func (e *UsageExceededError) Error() string {
	return fmt.Sprintf("%s: %s needs %d tokens, limit is %d",
		ErrTotalUsageExceeded, e.Model, e.TotalUsage, e.MaxTokens)
}

// Is makes errors.Is(err, ErrTotalUsageExceeded) match.
func (e *UsageExceededError) Is(target error) bool {
	return target == ErrTotalUsageExceeded
}
