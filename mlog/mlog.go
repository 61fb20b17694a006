// Package mlog is the structured-event log sink described in spec §6: the
// core emits one machine-consumable record per state-affecting event
// (observe, insert, evict, probe_sent, probe_result, request_sent,
// response, timeout, lookup_round). Converting those records into a
// database, as the external log-to-database tool does, is out of scope
// (spec §1); this package only guarantees every event is named, structured,
// and emitted through a single sink.
//
// The event taxonomy mirrors the teacher's p2p/discover/mlog.go convention
// of pre-declaring every log line's Receiver/Verb/Subject once per package,
// rather than formatting ad-hoc strings at the call site.
package mlog

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Event names, one per spec §6 log-sink entry.
const (
	EventObserve            = "observe"
	EventInsert             = "insert"
	EventEvict              = "evict"
	EventProbeSent          = "probe_sent"
	EventProbeResult        = "probe_result"
	EventRequestSent        = "request_sent"
	EventResponse           = "response"
	EventTimeout            = "timeout"
	EventLookupRound        = "lookup_round"
	EventDrop               = "drop" // transport-transient / protocol-violation drops, §7
	EventShutdown           = "shutdown"
	EventConfigurationError = "configuration_error"
)

var (
	mu      sync.Mutex
	base    *zap.Logger = zap.NewNop()
	initted bool
)

// Configure installs the process-wide zap logger used for every Event call.
// Call it once at startup; it is safe to call again in tests to swap in an
// observed logger (see zap/zaptest or zaptest/observer.New).
func Configure(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = logger
	initted = true
}

// Default builds a reasonable production zap logger: JSON encoding,
// millisecond timestamps, info level. Components that never call Configure
// get this lazily via Event.
func Default() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		// Config is static and known-good; only I/O setup (e.g. exotic
		// output paths) can fail, which NewProductionConfig's defaults
		// (stderr) do not exercise.
		panic(err)
	}
	return logger
}

func logger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !initted {
		base = Default()
		initted = true
	}
	return base
}

// Event returns a zap.Logger scoped to one named, pre-declared event kind,
// tagged with component=kademlia and event=<name>, mirroring the teacher's
// Receiver/Verb/Subject triple as structured fields instead of a formatted
// string.
func Event(name string) *zap.Logger {
	return logger().With(zap.String("component", "kademlia"), zap.String("event", name))
}

// Sync flushes the underlying sink. Callers should defer this at shutdown;
// errors from Sync on stderr/stdout are expected on some platforms and are
// intentionally not surfaced as fatal.
func Sync() {
	_ = logger().Sync()
}
