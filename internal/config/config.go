package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr  string
	DatabaseURL string

	LogLevel string

	// HeartbeatInterval is the interval advertised to stations in
	// BootNotification.conf.
	HeartbeatInterval time.Duration

	// PendingCallTTL bounds how long a CS-initiated Call may wait for its
	// CallResult before the correlation entry is expired.
	PendingCallTTL time.Duration

	// SigningTimeout bounds a single CA signing attempt.
	SigningTimeout time.Duration

	// AuthorizedTags seeds the in-memory id-tag allow list, comma separated.
	AuthorizedTags []string

	// RequireStationAuth enables HTTP basic auth on the websocket upgrade
	// (OCPP 1.6 security profile 1). Needs a database with station secrets.
	RequireStationAuth bool

	CACommonName string
	CertTTL      time.Duration

	NotifyURL    string
	NotifyAPIKey string
}

func Load() Config {
	return Config{
		ListenAddr:         getenv("CSMS_LISTEN_ADDR", ":8080"),
		DatabaseURL:        getenv("CSMS_DATABASE_URL", ""),
		LogLevel:           getenv("CSMS_LOG_LEVEL", "info"),
		HeartbeatInterval:  parseDuration(getenv("CSMS_HEARTBEAT_INTERVAL", "60s")),
		PendingCallTTL:     parseDuration(getenv("CSMS_PENDING_CALL_TTL", "2m")),
		SigningTimeout:     parseDuration(getenv("CSMS_SIGNING_TIMEOUT", "30s")),
		AuthorizedTags:     splitCSV(getenv("CSMS_AUTHORIZED_TAGS", "")),
		RequireStationAuth: getenv("CSMS_REQUIRE_STATION_AUTH", "") == "true",
		CACommonName:       getenv("CSMS_CA_COMMON_NAME", "DefaultCertificationAuthority"),
		CertTTL:            parseDuration(getenv("CSMS_CERT_TTL", "2400h")),
		NotifyURL:          getenv("CSMS_NOTIFY_URL", ""),
		NotifyAPIKey:       getenv("CSMS_NOTIFY_API_KEY", ""),
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
