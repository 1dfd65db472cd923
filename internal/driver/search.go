package driver

// SearchFunc returns the next local batch size to probe after lbs.
type SearchFunc func(lbs int) int

// StepBy grows the local batch size by a fixed step on each iteration.
func StepBy(step int) SearchFunc {
	return func(lbs int) int {
		return lbs + step
	}
}
