// Package errlog is the engine's shared logging setup, adapted from the
// teacher's pkg/errlog: a package-level debug flag plus SetLevel/LogError
// helpers built on logrus, extended with an lfshook file sink so operator
// logs survive a crashed service's stdout.
package errlog

import (
	"fmt"
	"os"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
)

var (
	// DebugOutput controls whether LogError includes a stack trace.
	DebugOutput = false
)

// SetLevel configures logrus's global level from a string flag value, the
// same set the teacher's errlog.SetLevel accepts.
func SetLevel(s string) error {
	switch s {
	case "panic":
		logrus.SetLevel(logrus.PanicLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
		DebugOutput = true
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
		DebugOutput = true
	default:
		return fmt.Errorf("unknown log level %q", s)
	}
	return nil
}

// LogError logs an error, optionally with a trace when DebugOutput is set.
func LogError(err error) {
	if err == nil {
		return
	}
	if DebugOutput {
		logrus.WithField("trace", fmt.Sprintf("%+v", err)).Error(err)
	} else {
		logrus.Error(err.Error())
	}
}

// AddFileSink duplicates warning-and-above records to path, in addition to
// whatever stdout logging is already configured, so operators can retain a
// log file per service even when a process's stdout is not captured.
// Services are long-running (spec.md §5); a file sink means nothing is
// lost between console-scrollback windows.
func AddFileSink(path string) error {
	if path == "" {
		return nil
	}

	hook := lfshook.NewHook(lfshook.PathMap{
		logrus.WarnLevel:  path,
		logrus.ErrorLevel: path,
		logrus.FatalLevel: path,
		logrus.PanicLevel: path,
	})
	logrus.AddHook(hook)
	return nil
}

// ServiceName sets the "service" field logged with every entry, so logs
// from the Trigger, Scheduler, Callback ingestor, etc. can be told apart
// when aggregated centrally.
func ServiceName(name string) *logrus.Entry {
	return logrus.WithField("service", name)
}

func init() {
	logrus.SetOutput(os.Stdout)
}
