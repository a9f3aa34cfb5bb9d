// Package logctx provides the package-level logger convention used
// throughout latticefsm: every subsystem package declares its own `log`
// variable via NewSubsystemLogger, mirroring lnd's per-package
// `var log btclog.Logger` / `UseLogger` idiom, but backed by
// github.com/rs/zerolog (the library the logiface-zerolog adapter in the
// retrieved corpus wires up) instead of btclog, since btclog itself was
// not present in the retrieved files.
package logctx

import (
	"io"
	"os"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

// Logger is the small leveled-event surface subsystem packages use. It is
// intentionally narrow, in the spirit of logiface.Event: Debugf/Infof/
// Warnf/Errorf plus a level gate so callers can skip building expensive
// payloads (e.g. spew.Sdump output) when the level is disabled.
type Logger struct {
	zl   zerolog.Logger
	name string
}

var (
	mu     sync.Mutex
	output io.Writer = os.Stderr
	level            = zerolog.InfoLevel
)

// SetOutput redirects all subsystem loggers created after this call (and
// retroactively is not attempted; loggers cache their writer at creation,
// matching the teacher's one-shot UseLogger wiring).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// SetLevel sets the global minimum level for subsystem loggers created
// after this call.
func SetLevel(l zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// NewSubsystemLogger creates a logger tagged with the given subsystem name,
// e.g. "MACH", "SCHED", "MON" following lnd's short subsystem tag style.
func NewSubsystemLogger(name string) *Logger {
	mu.Lock()
	w, lvl := output, level
	mu.Unlock()

	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("subsystem", name).Logger()
	return &Logger{zl: zl, name: name}
}

func (l *Logger) DebugEnabled() bool { return l.zl.GetLevel() <= zerolog.DebugLevel }

func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// Closure lazily evaluates fn() only when rendered, the same trick as
// lnd's newLogClosure: callers pass a closure around an expensive
// spew.Sdump call and only this type's String method invokes it.
type Closure func() string

func (c Closure) String() string { return c() }

// Dump wraps v in a Closure that renders it with spew.Sdump, so a
// Debugf("...%v", Dump(payload)) call only pays spew's reflection cost
// when the debug level is actually enabled.
func Dump(v any) Closure {
	return func() string { return spew.Sdump(v) }
}
