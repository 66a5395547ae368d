package vm

import "time"

// DefaultTimeslice is how long the scheduler runs before yielding.
const DefaultTimeslice = 2 * time.Millisecond

// Settings configures a System.
type Settings struct {
	// BudgetBytes bounds working memory. 0 means unlimited.
	BudgetBytes int64

	// GeneratedCacheSize bounds the table of generated resource ids.
	GeneratedCacheSize int

	// ForceInline runs every operation on the calling goroutine and
	// waits for issued work in place instead of suspending the run.
	ForceInline bool

	// Timeslice is the scheduler time slice. 0 means DefaultTimeslice.
	Timeslice time.Duration

	// Workers bounds concurrently running kernels. 0 means GOMAXPROCS.
	Workers int

	// Checks turns cache and token misuse into panics.
	Checks bool
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		GeneratedCacheSize: DefaultGeneratedCacheSize,
		Timeslice:          DefaultTimeslice,
	}
}

func (s Settings) timeslice() time.Duration {
	if s.Timeslice <= 0 {
		return DefaultTimeslice
	}
	return s.Timeslice
}
