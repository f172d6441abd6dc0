package models

import "time"

type Station struct {
	StationId       string
	SecretHash      string
	IsActive        bool
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastSeenAt      *time.Time
}

type ConnectorStatus struct {
	StationId   string
	ConnectorId int
	Status      string
	ErrorCode   string
	Info        string
	UpdatedAt   time.Time
}

type AuthTag struct {
	IdTag     string
	Status    string
	ExpiresAt *time.Time
	UpdatedAt time.Time
}
