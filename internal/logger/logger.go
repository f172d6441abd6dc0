// Package logger provides structured loggers for the central system's
// components. It wraps logrus and exposes category-specific entries such as
// MainLog, DispatchLog and LedgerLog. The level can be adjusted at runtime
// via InitLog.
package logger

import (
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const moduleName = "CSMS"

var (
	initOnce sync.Once

	// MainLog is the primary logger for lifecycle events (startup,
	// shutdown, fatal wiring failures).
	MainLog *log.Entry

	// CfgLog is used for configuration loading and validation.
	CfgLog *log.Entry

	// WsLog is for websocket transport events (upgrade, close, send errors).
	WsLog *log.Entry

	// DispatchLog is for frame routing: decode failures, unmatched
	// correlation ids, protocol-state violations.
	DispatchLog *log.Entry

	// LedgerLog is for transaction lifecycle events.
	LedgerLog *log.Entry

	// SigningLog is for the certificate signing workflow.
	SigningLog *log.Entry

	// CaLog is for certification authority initialization and signing.
	CaLog *log.Entry

	// StoreLog is for persistence (postgres archive, frame audit log).
	StoreLog *log.Entry

	// AuthLog is for id-tag authorization and station authentication.
	AuthLog *log.Entry
)

func init() {
	initOnce.Do(func() {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
		log.SetLevel(log.InfoLevel)

		MainLog = categoryEntry("MAIN")
		CfgLog = categoryEntry("CFG")
		WsLog = categoryEntry("WS")
		DispatchLog = categoryEntry("DISPATCH")
		LedgerLog = categoryEntry("LEDGER")
		SigningLog = categoryEntry("SIGNING")
		CaLog = categoryEntry("CA")
		StoreLog = categoryEntry("STORE")
		AuthLog = categoryEntry("AUTH")
	})
}

// InitLog applies the configured log level. Category entries exist from
// package init, so logging is safe before this is called.
func InitLog(levelString string) error {
	parsedLevel, parseErr := parseLogLevel(levelString)
	if parseErr != nil {
		log.SetLevel(log.InfoLevel)
		CfgLog.Warnf("invalid log level %q, falling back to info: %v", levelString, parseErr)
		return parseErr
	}
	log.SetLevel(parsedLevel)
	return nil
}

func categoryEntry(category string) *log.Entry {
	return log.WithFields(log.Fields{
		"module":   moduleName,
		"category": category,
	})
}

func parseLogLevel(levelString string) (log.Level, error) {
	switch strings.ToLower(strings.TrimSpace(levelString)) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	case "fatal":
		return log.FatalLevel, nil
	case "panic":
		return log.PanicLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level: %s", levelString)
	}
}
