package corefab

import logging "gopkg.in/op/go-logging.v1"

// log carries ordinary operational messages; iolog carries the high-volume
// per-frame/per-message tracing that is usually left below the configured
// level.
var log = logging.MustGetLogger("corefab")
var iolog = logging.MustGetLogger("corefab.io")

// SetLogLevel configures both loggers to level, parsed the same way as the
// boot argument ("DEBUG", "INFO", "WARNING", ...).
func SetLogLevel(levelName string) error {
	lvl, err := logging.LogLevel(levelName)
	if err != nil {
		return err
	}
	logging.SetLevel(lvl, "corefab")
	logging.SetLevel(lvl, "corefab.io")
	return nil
}
