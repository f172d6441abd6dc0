// Package dispatcher routes decoded frames between the transport and the
// owning components: session state machine, transaction ledger, and the
// certificate signing workflow.
package dispatcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"time"

	"github.com/google/uuid"

	"csms/internal/authlist"
	"csms/internal/ca"
	"csms/internal/ledger"
	"csms/internal/logger"
	"csms/internal/metrics"
	"csms/internal/ocpp"
	"csms/internal/registry"
	"csms/internal/session"
	"csms/internal/signing"
)

// FrameArchiver records raw inbound frames for audit. Best effort.
type FrameArchiver interface {
	FrameReceived(ctx context.Context, station string, raw []byte) error
}

// StationStore persists station bookkeeping derived from protocol traffic.
// Best effort; the live engine never depends on it.
type StationStore interface {
	StationBooted(ctx context.Context, station string, req ocpp.BootNotificationRequest, ts time.Time) error
	StationSeen(ctx context.Context, station string, ts time.Time) error
	ConnectorStatusChanged(ctx context.Context, station string, req ocpp.StatusNotificationRequest, ts time.Time) error
}

// Notifier publishes lifecycle events to an external collaborator.
type Notifier interface {
	StationBooted(station string)
	TransactionStarted(station string, transactionId int)
	TransactionStopped(station string, receipt ledger.Receipt)
	CertificateIssued(station string)
}

// Options carries the optional collaborators; any field may be nil.
type Options struct {
	Frames   FrameArchiver
	Stations StationStore
	Notify   Notifier
}

// handler answers one inbound Call. reply is a CallResult or CallError
// for the same correlation id; after, when non-nil, runs once the reply
// has been sent (used to start work that must not outrun the ack).
type handler func(ctx context.Context, s *session.Session, frame *ocpp.Frame) (reply *ocpp.Frame, after func())

type Dispatcher struct {
	registry *registry.Registry
	sessions *session.Manager
	ledger   *ledger.Ledger
	signing  *signing.Workflow
	auth     authlist.Checker

	heartbeatInterval time.Duration

	frames   FrameArchiver
	stations StationStore
	notify   Notifier

	handlers map[string]handler
}

// New wires the dispatcher and its signing workflow. The handler table is
// built once here and read-only afterwards.
func New(reg *registry.Registry, sessions *session.Manager, ldg *ledger.Ledger, authority ca.Authority, auth authlist.Checker, heartbeatInterval, signingTimeout time.Duration, opts Options) *Dispatcher {
	d := &Dispatcher{
		registry:          reg,
		sessions:          sessions,
		ledger:            ldg,
		auth:              auth,
		heartbeatInterval: heartbeatInterval,
		frames:            opts.Frames,
		stations:          opts.Stations,
		notify:            opts.Notify,
	}
	d.signing = signing.NewWorkflow(authority, signingTimeout, d.signingResolved)
	d.handlers = map[string]handler{
		ocpp.ActionBootNotification:   d.handleBootNotification,
		ocpp.ActionHeartbeat:          d.handleHeartbeat,
		ocpp.ActionStatusNotification: d.handleStatusNotification,
		ocpp.ActionAuthorize:          d.handleAuthorize,
		ocpp.ActionStartTransaction:   d.handleStartTransaction,
		ocpp.ActionMeterValues:        d.handleMeterValues,
		ocpp.ActionStopTransaction:    d.handleStopTransaction,
		ocpp.ActionSignCertificate:    d.handleSignCertificate,
		ocpp.ActionCertificateSigned:  d.handleCertificateSigned,
	}
	return d
}

// Signing exposes the workflow for the operations API.
func (d *Dispatcher) Signing() *signing.Workflow { return d.signing }

// HandleConnect prepares the session for a freshly bound transport.
func (d *Dispatcher) HandleConnect(identity string) {
	d.sessions.GetOrCreate(identity).Attach()
}

// HandleDisconnect marks the session disconnected and releases the
// registry binding, but only when conn is still the active binding. A
// superseded connection closing late must not touch the session the
// reconnect now owns.
func (d *Dispatcher) HandleDisconnect(identity string, conn registry.Sender) {
	if !d.registry.Unbind(identity, conn) {
		logger.DispatchLog.Debugf("station %s: stale connection closed", identity)
		return
	}
	if s := d.sessions.Get(identity); s != nil {
		s.Disconnect()
	}
	logger.DispatchLog.Infof("station %s disconnected", identity)
}

// HandleFrame is the single entry point for inbound traffic. Frames from
// one connection arrive here strictly in order; errors never terminate
// the station's task.
func (d *Dispatcher) HandleFrame(ctx context.Context, identity string, conn registry.Sender, raw []byte) {
	if d.frames != nil {
		if err := d.frames.FrameReceived(ctx, identity, raw); err != nil {
			logger.StoreLog.Warnf("frame audit failed for %s: %v", identity, err)
		}
	}

	frame, err := ocpp.Decode(raw)
	if err != nil {
		metrics.DecodeFailures.Inc()
		var de *ocpp.DecodeError
		if errors.As(err, &de) && de.ID != "" {
			d.send(ctx, identity, conn, ocpp.NewCallError(de.ID, ocpp.ErrorFormationViolation, de.Reason))
			return
		}
		logger.DispatchLog.Warnf("station %s: dropping undecodable frame: %v", identity, err)
		return
	}

	metrics.FramesReceived.WithLabelValues(typeLabel(frame.Type)).Inc()

	switch frame.Type {
	case ocpp.MessageTypeCall:
		d.handleCall(ctx, identity, conn, frame)
	case ocpp.MessageTypeCallResult, ocpp.MessageTypeCallError:
		d.handleResponse(identity, frame)
	}
}

func (d *Dispatcher) handleCall(ctx context.Context, identity string, conn registry.Sender, frame *ocpp.Frame) {
	s := d.sessions.GetOrCreate(identity)

	if !ocpp.IsSupportedAction(frame.Action) {
		d.send(ctx, identity, conn, ocpp.NewCallError(frame.ID, ocpp.ErrorNotSupported, "action "+frame.Action+" is not supported"))
		return
	}
	if !s.Allows(frame.Action) {
		d.send(ctx, identity, conn, ocpp.NewCallError(frame.ID, ocpp.ErrorSecurityError, "BootNotification required before "+frame.Action))
		return
	}
	if err := ocpp.ValidateCallPayload(frame.Action, frame.Payload); err != nil {
		d.send(ctx, identity, conn, ocpp.NewCallError(frame.ID, ocpp.ErrorFormationViolation, err.Error()))
		return
	}

	metrics.CallsHandled.WithLabelValues(frame.Action).Inc()

	reply, after := d.handlers[frame.Action](ctx, s, frame)
	if reply != nil {
		d.send(ctx, identity, conn, reply)
	}
	if after != nil {
		after()
	}
}

// handleResponse matches a CallResult/CallError from the station against
// the session's outstanding-call table. Unmatched responses are logged
// and dropped.
func (d *Dispatcher) handleResponse(identity string, frame *ocpp.Frame) {
	s := d.sessions.Get(identity)
	if s == nil {
		metrics.DroppedResponses.Inc()
		logger.DispatchLog.Warnf("response from unknown station %s dropped", identity)
		return
	}
	pc, ok := s.TakePending(frame.ID)
	if !ok {
		metrics.DroppedResponses.Inc()
		logger.DispatchLog.Warnf("station %s: response %s has no outstanding call, dropped", identity, frame.ID)
		return
	}

	if frame.Type == ocpp.MessageTypeCallError {
		logger.DispatchLog.Warnf("station %s rejected %s: %s (%s)", identity, pc.Action, frame.ErrorCode, frame.ErrorDescription)
		return
	}
	logger.DispatchLog.Debugf("station %s acknowledged %s", identity, pc.Action)
}

func (d *Dispatcher) handleBootNotification(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.BootNotificationRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	now := time.Now().UTC()
	s.HandleBoot(now)
	logger.DispatchLog.Infof("station %s booted: vendor=%q model=%q", s.Identity, req.ChargePointVendor, req.ChargePointModel)

	if d.stations != nil {
		if err := d.stations.StationBooted(ctx, s.Identity, req, now); err != nil {
			logger.StoreLog.Warnf("station upsert failed for %s: %v", s.Identity, err)
		}
	}
	if d.notify != nil {
		d.notify.StationBooted(s.Identity)
	}

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.BootNotificationResponse{
		Status:      ocpp.StatusAccepted,
		CurrentTime: now,
		Interval:    int(d.heartbeatInterval / time.Second),
	})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	now := time.Now().UTC()
	s.Touch(now)
	s.MarkOperational()
	d.touchStore(ctx, s.Identity, now)

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.HeartbeatResponse{CurrentTime: now})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleStatusNotification(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.StatusNotificationRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	now := time.Now().UTC()
	s.Touch(now)
	s.MarkOperational()

	if d.stations != nil {
		if err := d.stations.ConnectorStatusChanged(ctx, s.Identity, req, now); err != nil {
			logger.StoreLog.Warnf("connector status upsert failed for %s: %v", s.Identity, err)
		}
	}

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.StatusNotificationResponse{})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleAuthorize(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.AuthorizeRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	now := time.Now().UTC()
	s.Touch(now)
	s.MarkOperational()

	status := d.auth.CheckIdTag(ctx, req.IdTag)
	logger.AuthLog.Debugf("station %s: idTag %q -> %s", s.Identity, req.IdTag, status)

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.AuthorizeResponse{IdTagInfo: ocpp.IdTagInfo{Status: status}})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleStartTransaction(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.StartTransactionRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	now := time.Now().UTC()
	s.Touch(now)
	s.MarkOperational()
	d.touchStore(ctx, s.Identity, now)

	// Authorization check comes first; an unauthorized tag never opens a
	// ledger record.
	status := d.auth.CheckIdTag(ctx, req.IdTag)
	if status != ocpp.AuthAccepted {
		logger.AuthLog.Infof("station %s: StartTransaction refused, idTag %q is %s", s.Identity, req.IdTag, status)
		reply, err := ocpp.NewCallResult(frame.ID, ocpp.StartTransactionResponse{
			TransactionId: 0,
			IdTagInfo:     ocpp.IdTagInfo{Status: status},
		})
		if err != nil {
			return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
		}
		return reply, nil
	}

	txID, err := d.ledger.StartTransaction(ctx, s.Identity, req.ConnectorId, req.IdTag, req.MeterStart, req.Timestamp)
	if err != nil {
		return d.ledgerError(frame.ID, err), nil
	}

	metrics.TransactionsStarted.Inc()
	if d.notify != nil {
		d.notify.TransactionStarted(s.Identity, txID)
	}

	reply, rerr := ocpp.NewCallResult(frame.ID, ocpp.StartTransactionResponse{
		TransactionId: txID,
		IdTagInfo:     ocpp.IdTagInfo{Status: ocpp.AuthAccepted},
	})
	if rerr != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, rerr.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleMeterValues(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.MeterValuesRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	s.Touch(time.Now().UTC())

	// Samples outside a transaction are legal; they are acknowledged and
	// not recorded in the ledger.
	if req.TransactionId != nil {
		samples := flattenMeterValues(req.MeterValue)
		if err := d.ledger.RecordMeterValues(ctx, s.Identity, *req.TransactionId, samples); err != nil {
			return d.ledgerError(frame.ID, err), nil
		}
	}

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.MeterValuesResponse{})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleStopTransaction(ctx context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.StopTransactionRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	s.Touch(time.Now().UTC())

	receipt, err := d.ledger.StopTransaction(ctx, s.Identity, req.TransactionId, req.MeterStop, req.Timestamp, req.Reason)
	if err != nil {
		return d.ledgerError(frame.ID, err), nil
	}

	metrics.TransactionsStopped.Inc()
	if d.notify != nil {
		d.notify.TransactionStopped(s.Identity, receipt)
	}

	reply, rerr := ocpp.NewCallResult(frame.ID, ocpp.StopTransactionResponse{
		IdTagInfo: &ocpp.IdTagInfo{Status: ocpp.AuthAccepted},
	})
	if rerr != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, rerr.Error()), nil
	}
	return reply, nil
}

func (d *Dispatcher) handleSignCertificate(_ context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	var req ocpp.SignCertificateRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}

	now := time.Now().UTC()
	s.Touch(now)
	s.MarkOperational()

	// Structural CSR check only; the CA does the cryptographic work.
	block, _ := pem.Decode([]byte(req.Csr))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorFormationViolation, "csr is not a PEM certificate request"), nil
	}

	gen := s.BeginSigning()
	identity := s.Identity
	csr := []byte(req.Csr)
	certType := req.TypeOfCertificate

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.SignCertificateResponse{Status: ocpp.StatusAccepted})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	// Submit after the ack is on the wire so CertificateSigned can never
	// overtake it.
	return reply, func() {
		d.signing.Submit(identity, csr, certType, gen, now)
	}
}

func (d *Dispatcher) handleCertificateSigned(_ context.Context, s *session.Session, frame *ocpp.Frame) (*ocpp.Frame, func()) {
	// A station echoing installation status. Acknowledge, nothing more.
	s.Touch(time.Now().UTC())
	logger.SigningLog.Infof("station %s reported certificate installation", s.Identity)

	reply, err := ocpp.NewCallResult(frame.ID, ocpp.CertificateSignedResponse{Status: ocpp.StatusAccepted})
	if err != nil {
		return ocpp.NewCallError(frame.ID, ocpp.ErrorInternalError, err.Error()), nil
	}
	return reply, nil
}

// signingResolved receives CA outcomes from the workflow's background
// task and posts them back into the station's flow.
func (d *Dispatcher) signingResolved(station string, gen uint64, certType string, chain [][]byte, signErr error) {
	s := d.sessions.Get(station)

	if signErr != nil {
		// Rejection is terminal for this cycle. The station retries after
		// its own timeout; no reply is sent.
		metrics.SigningResolved.WithLabelValues("rejected").Inc()
		if s != nil {
			s.ResolveSigning(gen)
		}
		return
	}

	conn := d.registry.Lookup(station)
	if s == nil || conn == nil {
		// Signed, but nobody to deliver to. Result is discarded.
		metrics.SigningResolved.WithLabelValues("discarded").Inc()
		d.signing.Consume(station, gen)
		logger.SigningLog.Infof("station %s: discarding signed certificate, no live connection", station)
		return
	}
	if !s.ResolveSigning(gen) {
		// Superseded by a newer SignCertificate; only the latest CSR is
		// ever delivered.
		metrics.SigningResolved.WithLabelValues("superseded").Inc()
		return
	}

	encoded := make([]string, 0, len(chain))
	for _, der := range chain {
		encoded = append(encoded, hex.EncodeToString(der))
	}

	id := uuid.NewString()
	call, err := ocpp.NewCall(id, ocpp.ActionCertificateSigned, ocpp.CertificateSignedRequest{
		Cert:              encoded,
		TypeOfCertificate: certType,
	})
	if err != nil {
		logger.SigningLog.Errorf("station %s: building CertificateSigned failed: %v", station, err)
		return
	}

	now := time.Now().UTC()
	s.AddPending(id, ocpp.ActionCertificateSigned, now)
	if !d.send(context.Background(), station, conn, call) {
		s.TakePending(id)
		metrics.SigningResolved.WithLabelValues("discarded").Inc()
		return
	}

	d.signing.Consume(station, gen)
	metrics.SigningResolved.WithLabelValues("signed").Inc()
	if d.notify != nil {
		d.notify.CertificateIssued(station)
	}
	logger.SigningLog.Infof("station %s: certificate chain delivered (%d certs)", station, len(encoded))
}

// StartPendingSweep expires outstanding calls older than ttl until ctx is
// cancelled.
func (d *Dispatcher) StartPendingSweep(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := d.sessions.ExpirePendingCalls(now.Add(-ttl)); n > 0 {
					logger.DispatchLog.Infof("expired %d outstanding calls", n)
				}
			}
		}
	}()
}

// send encodes and writes a frame. A transport failure unconditionally
// transitions the session to Disconnected; reconnection is the station's
// problem.
func (d *Dispatcher) send(ctx context.Context, identity string, conn registry.Sender, frame *ocpp.Frame) bool {
	raw, err := ocpp.Encode(frame)
	if err != nil {
		logger.DispatchLog.Errorf("station %s: encode failed: %v", identity, err)
		return false
	}
	if frame.Type == ocpp.MessageTypeCallError {
		metrics.CallErrorsSent.WithLabelValues(frame.ErrorCode).Inc()
	}
	if err := conn.Send(ctx, raw); err != nil {
		logger.WsLog.Warnf("station %s: send failed: %v", identity, err)
		d.HandleDisconnect(identity, conn)
		_ = conn.Close()
		return false
	}
	return true
}

func (d *Dispatcher) touchStore(ctx context.Context, identity string, ts time.Time) {
	if d.stations == nil {
		return
	}
	if err := d.stations.StationSeen(ctx, identity, ts); err != nil {
		logger.StoreLog.Warnf("last-seen update failed for %s: %v", identity, err)
	}
}

func (d *Dispatcher) ledgerError(id string, err error) *ocpp.Frame {
	return ocpp.NewCallError(id, ledger.Code(err), err.Error())
}

func flattenMeterValues(values []ocpp.MeterValue) []ledger.Sample {
	var out []ledger.Sample
	for _, mv := range values {
		for _, sv := range mv.SampledValue {
			out = append(out, ledger.Sample{
				Timestamp: mv.Timestamp,
				Value:     sv.Value,
				Measurand: sv.Measurand,
				Unit:      sv.Unit,
			})
		}
	}
	return out
}

func typeLabel(t ocpp.MessageType) string {
	switch t {
	case ocpp.MessageTypeCall:
		return "Call"
	case ocpp.MessageTypeCallResult:
		return "CallResult"
	case ocpp.MessageTypeCallError:
		return "CallError"
	default:
		return "Unknown"
	}
}
