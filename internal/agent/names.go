package agent

import "fmt"

// namePool is the fixed pool of agent names, used in order. When every
// name is taken the fallback is "Agent N" with the smallest unused N.
var namePool = []string{
	"Sam", "Riley", "Quinn", "Avery", "Morgan",
	"Casey", "Jordan", "Rowan", "Harper", "Emerson",
	"Sawyer", "Finley", "Dakota", "Reese", "Elliot",
	"Marlow", "Sage", "Tatum", "Hollis", "Wren",
}

// pickName returns the first unused pool name, falling back to the
// numbered scheme once the pool is exhausted.
func pickName(taken map[string]bool) string {
	for _, name := range namePool {
		if !taken[name] {
			return name
		}
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("Agent %d", n)
		if !taken[candidate] {
			return candidate
		}
	}
}
