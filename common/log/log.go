// Package log configures the process-wide backend behind the shared
// "metabridge" logger. Callers that pass trySyslog get syslog where the
// host has it; everything else writes to stderr.
package log

import (
	"log/syslog"
	"os"

	"github.com/op/go-logging"

	"github.com/miguel-b-p/metabridge/common/config"
)

var format = logging.MustStringFormatter(
	`%{time:15:04:05.000} %{level:.4s} MetaBridge ▶ %{message}`,
)

func SetupLogging(prefix string, defaultLevel logging.Level, trySyslog bool) *logging.Logger {
	logging.SetFormatter(format)
	leveled := logging.AddModuleLevel(selectBackend(prefix, trySyslog))
	leveled.SetLevel(levelFromEnv(defaultLevel), "")
	logging.SetBackend(leveled)
	return logging.MustGetLogger("metabridge")
}

func selectBackend(prefix string, trySyslog bool) logging.Backend {
	if trySyslog {
		if backend, err := logging.NewSyslogBackendPriority(prefix, syslog.LOG_NOTICE); err == nil {
			return backend
		}
		//	no syslog on this host; fall through to stderr
	}
	return logging.NewLogBackend(os.Stderr, prefix, 0)
}

//	META_LOG_LEVEL accepts the go-logging level names (DEBUG…CRITICAL);
//	anything else keeps the caller's default.
func levelFromEnv(fallback logging.Level) logging.Level {
	raw := os.Getenv(config.LOG_LEVEL_ENV)
	if raw == "" {
		return fallback
	}
	level, err := logging.LogLevel(raw)
	if err != nil {
		return fallback
	}
	return level
}
