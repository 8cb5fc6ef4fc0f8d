// Package bounds names the call sites that loop over a caller-controlled
// count and therefore must charge the resource budget in res before each
// iteration.
package bounds

// Bound_t identifies a bounded loop site for resource accounting.
type Bound_t int

const (
	B_USERBUF_T__TX Bound_t = iota
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_POLLER_T_POLL_ONCE
)

var names = [...]string{
	"Userbuf_t._tx",
	"Useriovec_t.Iov_init",
	"Useriovec_t._tx",
	"poller_t.pollOnce",
}

/// Bounds returns the human-readable name of a bound site, used in
/// diagnostics when the heap budget is exhausted mid-loop.
func Bounds(b Bound_t) string {
	if int(b) < 0 || int(b) >= len(names) {
		return "unknown"
	}
	return names[b]
}
