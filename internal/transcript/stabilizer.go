package transcript

// DefaultThreshold is how many repeats beyond the first occurrence a result
// needs before it is committed.
const DefaultThreshold = 3

// RepeatCounter tracks consecutive identical inference results.
type RepeatCounter struct {
	LastText string
	Count    int
}

// Delta is the outcome of one stabilizer step.
type Delta struct {
	Commit      bool
	Text        string
	Provisional string
	CutOffset   int
}

type Stabilizer struct {
	Threshold int
}

func NewStabilizer(threshold int) Stabilizer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Stabilizer{Threshold: threshold}
}

// Update folds one result into the counter. windowEnd is the absolute sample
// index one past the window that produced text; it becomes the cut offset
// when the result commits.
func (s Stabilizer) Update(prev RepeatCounter, text string, windowEnd int) (RepeatCounter, Delta) {
	if text != prev.LastText {
		return RepeatCounter{LastText: text}, Delta{Provisional: text}
	}
	next := RepeatCounter{LastText: text, Count: prev.Count + 1}
	threshold := s.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if next.Count < threshold {
		return next, Delta{Provisional: text}
	}
	return RepeatCounter{}, Delta{Commit: true, Text: text, CutOffset: windowEnd}
}
