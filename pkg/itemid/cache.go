package itemid

import (
	"sync"

	"github.com/ecobin/wastesort/pkg/types"
)

// LastSeen remembers the previous report so a camera pointed at the same
// object does not log it twice in a row
type LastSeen struct {
	mu   sync.Mutex
	last *types.ItemReport
}

// IsDuplicate reports whether r names the same item and weight as the last
// recorded report
func (c *LastSeen) IsDuplicate(r types.ItemReport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return false
	}
	return c.last.Item == r.Item && c.last.WeightGrams == r.WeightGrams
}

// Record stores r as the latest report
func (c *LastSeen) Record(r types.ItemReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = &r
}
