package server

// originChecker matches the Origin header against a configured allowlist.
// An empty allowlist admits everything, including non-browser clients that
// send no Origin at all.
type originChecker struct {
	allowAll bool
	origins  map[string]struct{}
}

func newOriginChecker(allowed []string) *originChecker {
	c := &originChecker{
		allowAll: len(allowed) == 0,
		origins:  make(map[string]struct{}, len(allowed)),
	}
	for _, o := range allowed {
		c.origins[o] = struct{}{}
	}
	return c
}

func (c *originChecker) allowed(origin string) bool {
	if c.allowAll {
		return true
	}
	// Non-browser clients send no Origin; the bearer credential gates them.
	if origin == "" {
		return true
	}
	_, ok := c.origins[origin]
	return ok
}
