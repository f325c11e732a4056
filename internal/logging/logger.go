package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// Init configures the shared logrus logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text formatter.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	base.SetOutput(os.Stdout)
	if env == "production" {
		base.SetFormatter(&logrus.JSONFormatter{})
		base.SetLevel(logrus.InfoLevel)
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.DebugLevel)
	}

	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := logrus.ParseLevel(lvl); err == nil {
			base.SetLevel(parsed)
		}
	}
}

// Logger returns the shared logger
func Logger() *logrus.Logger {
	return base
}

// Component returns a logger tagged with a component name.
// Every package logs through one of these.
func Component(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// WithSession returns a logger with session context fields attached.
// Use this for all logging while handling a session's input.
func WithSession(entry *logrus.Entry, sessionID, userID string) *logrus.Entry {
	return entry.WithFields(logrus.Fields{
		"session_id": sessionID,
		"user_id":    userID,
	})
}

// WithAgent returns a logger scoped to one agent within a session.
func WithAgent(entry *logrus.Entry, agentType string) *logrus.Entry {
	return entry.WithField("agent", agentType)
}
