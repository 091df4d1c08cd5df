package registry

import "strconv"

// RetryBudget bounds how many times a failed operation is retried.
// Negative means unlimited, zero means no retry, positive caps the number
// of retries.
type RetryBudget int

// Unlimited retries until success or close.
const Unlimited RetryBudget = -1

// Allows reports whether another attempt may follow retriesDone retries.
func (b RetryBudget) Allows(retriesDone int) bool {
	return b < 0 || retriesDone < int(b)
}

// Unbounded reports whether the budget never runs out.
func (b RetryBudget) Unbounded() bool {
	return b < 0
}

func (b RetryBudget) String() string {
	if b < 0 {
		return "unlimited"
	}
	return strconv.Itoa(int(b))
}
