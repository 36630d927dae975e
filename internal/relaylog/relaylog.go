// Package relaylog configures logrus the way the relay wants it: level and
// format driven by config, output to stdout. There is no log-persistence
// layer here, so unlike the file-rotation setup this was grounded on, it
// never touches the filesystem.
package relaylog

import (
	"os"

	"antitrunc-relay/internal/config"

	"github.com/sirupsen/logrus"
)

// Setup configures logrus's global level and formatter from cfg.
func Setup(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("invalid log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	logrus.SetOutput(os.Stdout)
}
