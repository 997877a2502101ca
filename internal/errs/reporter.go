package errs

import (
	"log/slog"
	"sync"
)

// Handler receives reported errors.
type Handler func(*Error)

// batchKeyCeiling bounds how many per-batch keys a reporter remembers.
const batchKeyCeiling = 1000

// Reporter forwards errors to a single hook, once per distinct condition key
// per session. Keys naming a batch are forgotten oldest first past a ceiling;
// other keys last the whole session. It is safe for concurrent use.
type Reporter struct {
	mu           sync.Mutex
	handler      Handler
	seen         map[string]struct{}
	batchKeys    []string
	batchCeiling int
	logger       *slog.Logger
}

// NewReporter creates a reporter. A nil handler only logs.
func NewReporter(h Handler, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reporter{
		handler:      h,
		seen:         map[string]struct{}{},
		batchCeiling: batchKeyCeiling,
		logger:       logger,
	}
}

// Report surfaces e unless its condition was already reported. It returns
// whether the hook was invoked. Panics in the hook are recovered.
func (r *Reporter) Report(e *Error) bool {
	if e == nil {
		return false
	}
	r.mu.Lock()
	key := e.Key()
	if _, dup := r.seen[key]; dup {
		r.mu.Unlock()
		r.logger.Debug("suppressed repeated error", slog.String("key", key))
		return false
	}
	r.seen[key] = struct{}{}
	if e.BatchID != "" {
		r.rememberBatchKeyLocked(key)
	}
	h := r.handler
	r.mu.Unlock()

	r.logger.Warn("analytics error", slog.String("kind", string(e.Kind)), slog.String("error", e.Error()))
	if h == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("error hook panicked", slog.Any("panic", rec))
		}
	}()
	h(e)
	return true
}

// rememberBatchKeyLocked tracks key and, past the ceiling, keeps only the
// newest half of the batch keys.
func (r *Reporter) rememberBatchKeyLocked(key string) {
	r.batchKeys = append(r.batchKeys, key)
	if len(r.batchKeys) <= r.batchCeiling {
		return
	}
	cut := len(r.batchKeys) - r.batchCeiling/2
	for _, old := range r.batchKeys[:cut] {
		delete(r.seen, old)
	}
	r.batchKeys = append([]string(nil), r.batchKeys[cut:]...)
}

// SetHandler replaces the hook.
func (r *Reporter) SetHandler(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
}

// Reset forgets reported conditions, starting a new session.
func (r *Reporter) Reset() {
	r.mu.Lock()
	clear(r.seen)
	r.batchKeys = nil
	r.mu.Unlock()
}
