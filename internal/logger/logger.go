package logger

import (
	"encoding/hex"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/sha3"
)

const simpleTimeFormat = "02-01-2006 15:04:05"

// New constructs a zerolog logger according to the runtime environment.
// Development environments receive human readable console logs while other
// environments emit JSON for easy ingestion.
func New(env, level string, writers ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = simpleTimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	if len(writers) > 0 {
		output = io.MultiWriter(writers...)
	} else if strings.EqualFold(env, "development") || strings.EqualFold(env, "dev") {
		cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: simpleTimeFormat}
		cw.FieldsExclude = []string{zerolog.TimestampFieldName}
		output = cw
	} else {
		output = os.Stderr
	}

	logger := zerolog.New(output).With().Timestamp().Logger().Level(lvl)
	return &logger, nil
}

// Component returns a child logger tagged with the component name. A zero
// logger is replaced by a no-op logger so callers can leave it unset.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	if reflect.ValueOf(base).IsZero() {
		base = zerolog.Nop()
	}
	return base.With().Str("component", name).Logger()
}

// Fingerprint returns a short SHA3-256 digest of a secret so it can be
// correlated in logs without being disclosed.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha3.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:6])
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, err
	}
	return lvl, nil
}
