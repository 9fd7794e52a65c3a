package pushclient

import (
	"net/url"
	"sync"
)

// LimitPolicy says what happens to a session creation that would exceed the
// maximum number of concurrent sessions per server.
type LimitPolicy string

const (
	// LimitUsePolling creates the session anyway but forces polling.
	LimitUsePolling LimitPolicy = "use-polling"
	// LimitBlock fails the attempt; the client retries later.
	LimitBlock LimitPolicy = "block"
	// LimitNone ignores the limit.
	LimitNone LimitPolicy = "none"
)

func ParseLimitPolicy(s string) (LimitPolicy, error) {
	switch p := LimitPolicy(s); p {
	case LimitUsePolling, LimitBlock, LimitNone:
		return p, nil
	}
	return "", illegalArgument("unknown exceeded-policy %q", s)
}

type sessionLimiter struct {
	mu     sync.Mutex
	max    int
	policy LimitPolicy
	counts map[string]int
}

var sessionLimits = &sessionLimiter{policy: LimitNone, counts: make(map[string]int)}

// SetMaxConcurrentSessionsPerServer limits the sessions that all clients of
// the process keep open towards one server host. Zero removes the limit.
func SetMaxConcurrentSessionsPerServer(n int) error {
	if n < 0 {
		return illegalArgument("max concurrent sessions must not be negative, got %d", n)
	}
	sessionLimits.mu.Lock()
	sessionLimits.max = n
	sessionLimits.mu.Unlock()
	return nil
}

func MaxConcurrentSessionsPerServer() int {
	sessionLimits.mu.Lock()
	defer sessionLimits.mu.Unlock()
	return sessionLimits.max
}

func SetMaxConcurrentSessionsPerServerExceededPolicy(p LimitPolicy) error {
	if _, err := ParseLimitPolicy(string(p)); err != nil {
		return err
	}
	sessionLimits.mu.Lock()
	sessionLimits.policy = p
	sessionLimits.mu.Unlock()
	return nil
}

func MaxConcurrentSessionsPerServerExceededPolicy() LimitPolicy {
	sessionLimits.mu.Lock()
	defer sessionLimits.mu.Unlock()
	return sessionLimits.policy
}

func serverKey(addr string) string {
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		return u.Host
	}
	return addr
}

// acquire counts a new session towards server. ok is false when the policy
// blocks it; forcePolling is true when it may only poll. A counted session
// must be released.
func (l *sessionLimiter) acquire(server string) (counted bool, forcePolling bool, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := serverKey(server)
	if l.max > 0 && l.counts[key] >= l.max {
		switch l.policy {
		case LimitBlock:
			return false, false, false
		case LimitUsePolling:
			return false, true, true
		}
		return false, false, true
	}
	l.counts[key]++
	return true, false, true
}

func (l *sessionLimiter) release(server string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := serverKey(server)
	if l.counts[key] > 0 {
		l.counts[key]--
	}
	if l.counts[key] == 0 {
		delete(l.counts, key)
	}
}
