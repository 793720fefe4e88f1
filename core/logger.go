package core

// Level is a log severity level, mirrored from the zerolog levels the
// concrete logger.zerolog.ZerologAdapter wraps.
type Level int8

const (
	Disabled Level = iota - 1
	NoLevel
	TraceLevel
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

// Logger is the structured-logging capability every component in the
// signal-to-execution pipeline depends on. No component reaches for
// log.Printf/fmt.Println directly; the concrete implementation is
// logger/zerolog.ZerologAdapter wrapping github.com/rs/zerolog.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields map[string]any) Logger
	WithError(err error) Logger

	GetLevel() Level
	SetLevel(level Level)

	Print(args ...any)
	Trace(args ...any)
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Fatal(args ...any)
	Panic(args ...any)

	Printf(format string, args ...any)
	Tracef(format string, args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	Panicf(format string, args ...any)
}
