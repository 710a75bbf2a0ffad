package guardian

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
)

// CacheScope identifies which decision cache holds an entry.
type CacheScope string

const (
	ScopeSession CacheScope = "session"
	ScopeForever CacheScope = "forever"
)

// CacheKey identifies a tool call exactly: the tool name plus every parameter,
// sorted by key, with values in RFC 8785 canonical JSON. Values that cannot be
// encoded are coerced to their fmt representation.
func CacheKey(tool string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strconv.Quote(tool))
	for _, k := range keys {
		b.WriteByte('\x1f')
		b.WriteString(strconv.Quote(k))
		b.WriteByte('=')
		b.WriteString(canonicalValue(params[k]))
	}
	return b.String()
}

func canonicalValue(v any) (s string) {
	defer func() {
		if recover() != nil {
			s = strconv.Quote(fmt.Sprintf("%T", v))
		}
	}()
	data, err := json.Marshal(v)
	if err != nil {
		return strconv.Quote(fmt.Sprint(v))
	}
	canon, err := jcs.Transform(data)
	if err != nil {
		return string(data)
	}
	return string(canon)
}

// DecisionCache remembers allow decisions made by a human approver.
// Session entries are cleared at the session boundary; forever entries live
// as long as the process. Safe for concurrent use.
type DecisionCache struct {
	mu      sync.RWMutex
	session map[string]struct{}
	forever map[string]struct{}
}

// NewDecisionCache returns an empty cache.
func NewDecisionCache() *DecisionCache {
	return &DecisionCache{
		session: make(map[string]struct{}),
		forever: make(map[string]struct{}),
	}
}

// Lookup reports whether key is cached and in which scope.
func (c *DecisionCache) Lookup(key string) (CacheScope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.forever[key]; ok {
		return ScopeForever, true
	}
	if _, ok := c.session[key]; ok {
		return ScopeSession, true
	}
	return "", false
}

// Add remembers key in the given scope.
func (c *DecisionCache) Add(scope CacheScope, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch scope {
	case ScopeForever:
		c.forever[key] = struct{}{}
	case ScopeSession:
		c.session[key] = struct{}{}
	}
}

// ClearSession drops every session-scoped entry.
func (c *DecisionCache) ClearSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = make(map[string]struct{})
}

// Len returns the number of entries per scope.
func (c *DecisionCache) Len() (session, forever int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.session), len(c.forever)
}
