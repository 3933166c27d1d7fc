package policy

import (
	"regexp"
	"sync"
)

// patternCacheTable memoizes compiled glob patterns; policy evaluation runs
// on every call_tool request, so recompiling the same handful of rule
// patterns every time would be wasted work.
type patternCacheTable struct {
	mu    sync.RWMutex
	byPat map[string]*regexp.Regexp
}

func newPatternCacheTable() *patternCacheTable {
	return &patternCacheTable{byPat: make(map[string]*regexp.Regexp)}
}

func (c *patternCacheTable) get(pattern string) (*regexp.Regexp, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	re, ok := c.byPat[pattern]
	return re, ok
}

func (c *patternCacheTable) put(pattern string, re *regexp.Regexp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byPat[pattern] = re
}
