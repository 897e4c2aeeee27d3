// Package errkind classifies proxy errors into the handful of kinds the
// connection state machine and cache need to branch on, per the error
// handling design: network/protocol/cache/tls/policy/fatal.
package errkind

import "errors"

var (
	// Network covers connect/read/write failures and timeouts talking to an origin.
	Network = errors.New("network error")
	// Protocol covers a malformed request line, headers, or an unsupported range form.
	Protocol = errors.New("protocol error")
	// Cache covers lock contention, I/O, or orphan metadata inside the cache store.
	Cache = errors.New("cache error")
	// TLS covers handshake aborts and unwrap-during-teardown failures.
	TLS = errors.New("tls error")
	// Policy covers admission refusals (cache size gates, disabled caching, ...).
	Policy = errors.New("policy error")
	// Fatal covers conditions that must prevent startup (missing CA, bad MFC config).
	Fatal = errors.New("fatal error")
)

// Is reports whether err was constructed by Wrap(kind, ...) for the given kind,
// or wraps such an error further down its chain.
func Is(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Wrap tags err with kind so that errors.Is(wrapped, kind) succeeds while the
// original message and chain are preserved.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() []error {
	return []error{e.kind, e.err}
}
