package ocpp

import (
	"encoding/json"
	"fmt"
	"time"
)

// The nine supported actions. Exact protocol constants; stations match on
// these verbatim.
const (
	ActionBootNotification   = "BootNotification"
	ActionStatusNotification = "StatusNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionSignCertificate    = "SignCertificate"
	ActionCertificateSigned  = "CertificateSigned"
	ActionStartTransaction   = "StartTransaction"
	ActionMeterValues        = "MeterValues"
	ActionStopTransaction    = "StopTransaction"
	ActionAuthorize          = "Authorize"
)

var supportedActions = map[string]bool{
	ActionBootNotification:   true,
	ActionStatusNotification: true,
	ActionHeartbeat:          true,
	ActionSignCertificate:    true,
	ActionCertificateSigned:  true,
	ActionStartTransaction:   true,
	ActionMeterValues:        true,
	ActionStopTransaction:    true,
	ActionAuthorize:          true,
}

// IsSupportedAction reports whether the action is one of the nine this
// central system implements.
func IsSupportedAction(action string) bool {
	return supportedActions[action]
}

// Authorization statuses returned in idTagInfo.
const (
	AuthAccepted = "Accepted"
	AuthBlocked  = "Blocked"
	AuthExpired  = "Expired"
	AuthInvalid  = "Invalid"
)

// Registration / generic statuses.
const (
	StatusAccepted = "Accepted"
	StatusRejected = "Rejected"
)

type IdTagInfo struct {
	Status      string     `json:"status"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag string     `json:"parentIdTag,omitempty"`
}

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

func (r *BootNotificationRequest) Validate() error {
	if r.ChargePointVendor == "" {
		return fmt.Errorf("chargePointVendor is required")
	}
	if r.ChargePointModel == "" {
		return fmt.Errorf("chargePointModel is required")
	}
	return nil
}

type BootNotificationResponse struct {
	Status      string    `json:"status"`
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval"`
}

type HeartbeatRequest struct{}

func (r *HeartbeatRequest) Validate() error { return nil }

type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorId int        `json:"connectorId"`
	ErrorCode   string     `json:"errorCode"`
	Status      string     `json:"status"`
	Info        string     `json:"info,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func (r *StatusNotificationRequest) Validate() error {
	if r.ConnectorId < 0 {
		return fmt.Errorf("connectorId must be >= 0")
	}
	if r.ErrorCode == "" {
		return fmt.Errorf("errorCode is required")
	}
	if r.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

type StatusNotificationResponse struct{}

type AuthorizeRequest struct {
	IdTag string `json:"idTag"`
}

func (r *AuthorizeRequest) Validate() error {
	if r.IdTag == "" {
		return fmt.Errorf("idTag is required")
	}
	return nil
}

type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionRequest struct {
	ConnectorId int       `json:"connectorId"`
	IdTag       string    `json:"idTag"`
	MeterStart  int64     `json:"meterStart"`
	Timestamp   time.Time `json:"timestamp"`
}

func (r *StartTransactionRequest) Validate() error {
	if r.ConnectorId < 1 {
		return fmt.Errorf("connectorId must be >= 1")
	}
	if r.IdTag == "" {
		return fmt.Errorf("idTag is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

type StartTransactionResponse struct {
	TransactionId int       `json:"transactionId"`
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue struct {
	Timestamp    time.Time      `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesRequest struct {
	ConnectorId   int          `json:"connectorId"`
	TransactionId *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

func (r *MeterValuesRequest) Validate() error {
	if r.ConnectorId < 0 {
		return fmt.Errorf("connectorId must be >= 0")
	}
	if len(r.MeterValue) == 0 {
		return fmt.Errorf("meterValue is required")
	}
	return nil
}

type MeterValuesResponse struct{}

type StopTransactionRequest struct {
	TransactionId int       `json:"transactionId"`
	MeterStop     int64     `json:"meterStop"`
	Timestamp     time.Time `json:"timestamp"`
	IdTag         string    `json:"idTag,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

func (r *StopTransactionRequest) Validate() error {
	if r.TransactionId == 0 {
		return fmt.Errorf("transactionId is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type SignCertificateRequest struct {
	Csr               string `json:"csr"`
	TypeOfCertificate string `json:"typeOfCertificate,omitempty"`
}

func (r *SignCertificateRequest) Validate() error {
	if r.Csr == "" {
		return fmt.Errorf("csr is required")
	}
	return nil
}

type SignCertificateResponse struct {
	Status string `json:"status"`
}

// CertificateSignedRequest is both the payload the central system sends
// when delivering a signed chain and the installation-status echo a station
// may send back as its own Call. Cert entries are hex-encoded DER, leaf
// first.
type CertificateSignedRequest struct {
	Cert              []string `json:"cert"`
	TypeOfCertificate string   `json:"typeOfCertificate,omitempty"`
}

func (r *CertificateSignedRequest) Validate() error {
	if len(r.Cert) == 0 {
		return fmt.Errorf("cert is required")
	}
	return nil
}

type CertificateSignedResponse struct {
	Status string `json:"status"`
}

// ValidateCallPayload checks the payload of a supported action against its
// minimal required-field set. A non-nil error maps to a FormationViolation
// CallError at the dispatch boundary.
func ValidateCallPayload(action string, payload json.RawMessage) error {
	switch action {
	case ActionBootNotification:
		return decodeAndValidate(payload, &BootNotificationRequest{})
	case ActionStatusNotification:
		return decodeAndValidate(payload, &StatusNotificationRequest{})
	case ActionHeartbeat:
		return decodeAndValidate(payload, &HeartbeatRequest{})
	case ActionSignCertificate:
		return decodeAndValidate(payload, &SignCertificateRequest{})
	case ActionCertificateSigned:
		return decodeAndValidate(payload, &CertificateSignedRequest{})
	case ActionStartTransaction:
		return decodeAndValidate(payload, &StartTransactionRequest{})
	case ActionMeterValues:
		return decodeAndValidate(payload, &MeterValuesRequest{})
	case ActionStopTransaction:
		return decodeAndValidate(payload, &StopTransactionRequest{})
	case ActionAuthorize:
		return decodeAndValidate(payload, &AuthorizeRequest{})
	default:
		return fmt.Errorf("unsupported action %q", action)
	}
}

type validator interface {
	Validate() error
}

func decodeAndValidate(payload json.RawMessage, into validator) error {
	if err := json.Unmarshal(payload, into); err != nil {
		return err
	}
	return into.Validate()
}
