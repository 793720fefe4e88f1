package zerolog

import (
	"os"
	"strings"
	"time"

	"github.com/google/goterm/term"
	"github.com/rs/zerolog"
)

const maxMessageSize = 80

// New builds a ZerologAdapter with the given level and console layout.
// jsonFormat bypasses the console writer for machine-readable output;
// colored enables the goterm-based level/timestamp coloring.
func New(level, dateTimeLayout string, colored, jsonFormat bool) (*ZerologAdapter, error) {
	logMode, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(logMode)

	var logger zerolog.Logger
	if jsonFormat {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			NoColor:    !colored,
			TimeFormat: dateTimeLayout,
		}
		if colored {
			output.FormatLevel = formatLevel
			output.FormatMessage = formatMessage
			output.FormatTimestamp = func(i interface{}) string {
				return formatTimestamp(i, dateTimeLayout)
			}
		}
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	return NewAdapter(&logger), nil
}

func formatLevel(i interface{}) string {
	levelStr, ok := i.(string)
	if !ok {
		return "UNKNOWN"
	}

	switch levelStr {
	case zerolog.LevelTraceValue:
		return term.Cyanf("[TRC]")
	case zerolog.LevelDebugValue:
		return term.Cyanf("[DBG]")
	case zerolog.LevelInfoValue:
		return term.Greenf("[INF]")
	case zerolog.LevelWarnValue:
		return term.Yellowf("[WAR]")
	case zerolog.LevelErrorValue:
		return term.Redf("[ERR]")
	case zerolog.LevelFatalValue:
		return term.Redf("[FTL]")
	case zerolog.LevelPanicValue:
		return term.Redf("[PAN]")
	default:
		return term.Whitef("[UNK]")
	}
}

// formatMessage pads the message to a fixed column so trailing fields line
// up across lines.
func formatMessage(i interface{}) string {
	msg, ok := i.(string)
	if !ok || len(msg) == 0 {
		return ">"
	}

	if len(msg) > maxMessageSize {
		msg = msg[:maxMessageSize]
	}
	if len(msg) < maxMessageSize {
		msg += strings.Repeat(" ", maxMessageSize-len(msg))
	}

	return term.Whitef("> %s", msg)
}

func formatTimestamp(i interface{}, timeLayout string) string {
	strTime, ok := i.(string)
	if !ok {
		return term.Cyanf("[%v]", i)
	}

	ts, err := time.ParseInLocation(time.RFC3339, strTime, time.Local)
	if err == nil {
		strTime = ts.In(time.Local).Format(timeLayout)
	}

	return term.Cyanf("[%s]", strTime)
}
