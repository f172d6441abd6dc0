package dispatcher

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"csms/internal/authlist"
	"csms/internal/ledger"
	"csms/internal/ocpp"
	"csms/internal/registry"
	"csms/internal/session"
)

type fakeConn struct {
	mu       sync.Mutex
	failSend bool
	closed   bool
	ch       chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{ch: make(chan []byte, 16)}
}

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	fail := c.failSend
	c.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	c.ch <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// nextFrame returns the next frame written to the connection, failing the
// test if none arrives in time.
func (c *fakeConn) nextFrame(t *testing.T) *ocpp.Frame {
	t.Helper()
	select {
	case raw := <-c.ch:
		frame, err := ocpp.Decode(raw)
		if err != nil {
			t.Fatalf("sent frame does not decode: %v", err)
		}
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("no frame written to connection")
		return nil
	}
}

func (c *fakeConn) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case raw := <-c.ch:
		t.Fatalf("unexpected frame written: %s", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeAuthority struct {
	chain [][]byte
	err   error
}

func (f *fakeAuthority) Sign(_ context.Context, _ []byte) ([][]byte, error) {
	return f.chain, f.err
}

type testRig struct {
	dispatcher *Dispatcher
	registry   *registry.Registry
	sessions   *session.Manager
	ledger     *ledger.Ledger
	conn       *fakeConn
}

func newTestRig(t *testing.T, authority *fakeAuthority) *testRig {
	t.Helper()
	if authority == nil {
		authority = &fakeAuthority{chain: [][]byte{[]byte("leaf-der"), []byte("root-der")}}
	}
	reg := registry.New()
	sessions := session.NewManager()
	ldg := ledger.New(nil)
	auth := authlist.NewStatic([]string{"TAG1"})

	d := New(reg, sessions, ldg, authority, auth, 300*time.Second, time.Second, Options{})

	conn := newFakeConn()
	reg.Bind("CP-1", conn)
	d.HandleConnect("CP-1")
	return &testRig{dispatcher: d, registry: reg, sessions: sessions, ledger: ldg, conn: conn}
}

func (r *testRig) deliver(t *testing.T, raw string) {
	t.Helper()
	r.dispatcher.HandleFrame(context.Background(), "CP-1", r.conn, []byte(raw))
}

func mustResult[T any](t *testing.T, frame *ocpp.Frame, wantID string) T {
	t.Helper()
	if frame.Type != ocpp.MessageTypeCallResult {
		t.Fatalf("frame type = %d, want CallResult (frame: %+v)", frame.Type, frame)
	}
	if frame.ID != wantID {
		t.Fatalf("frame id = %q, want %q", frame.ID, wantID)
	}
	var out T
	if err := json.Unmarshal(frame.Payload, &out); err != nil {
		t.Fatalf("result payload does not decode: %v", err)
	}
	return out
}

func mustError(t *testing.T, frame *ocpp.Frame, wantID, wantCode string) {
	t.Helper()
	if frame.Type != ocpp.MessageTypeCallError {
		t.Fatalf("frame type = %d, want CallError (frame: %+v)", frame.Type, frame)
	}
	if frame.ID != wantID {
		t.Fatalf("frame id = %q, want %q", frame.ID, wantID)
	}
	if frame.ErrorCode != wantCode {
		t.Fatalf("error code = %q, want %q (%s)", frame.ErrorCode, wantCode, frame.ErrorDescription)
	}
}

func boot(t *testing.T, r *testRig) {
	t.Helper()
	r.deliver(t, `[2,"boot-1","BootNotification",{"chargePointVendor":"ABB","chargePointModel":"Terra54"}]`)
	resp := mustResult[ocpp.BootNotificationResponse](t, r.conn.nextFrame(t), "boot-1")
	if resp.Status != ocpp.StatusAccepted {
		t.Fatalf("boot status = %q", resp.Status)
	}
}

func TestBootNotificationAccepted(t *testing.T) {
	r := newTestRig(t, nil)

	r.deliver(t, `[2,"c-1","BootNotification",{"chargePointVendor":"ABB","chargePointModel":"Terra54"}]`)
	resp := mustResult[ocpp.BootNotificationResponse](t, r.conn.nextFrame(t), "c-1")
	if resp.Status != ocpp.StatusAccepted {
		t.Errorf("status = %q, want Accepted", resp.Status)
	}
	if resp.Interval != 300 {
		t.Errorf("interval = %d, want 300", resp.Interval)
	}
	if resp.CurrentTime.IsZero() {
		t.Error("currentTime not set")
	}
	if got := r.sessions.Get("CP-1").State(); got != session.Booted {
		t.Errorf("session state = %v, want Booted", got)
	}
}

func TestCallBeforeBootRefused(t *testing.T) {
	r := newTestRig(t, nil)

	r.deliver(t, `[2,"c-1","Heartbeat",{}]`)
	mustError(t, r.conn.nextFrame(t), "c-1", ocpp.ErrorSecurityError)

	r.deliver(t, `[2,"c-2","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":0,"timestamp":"2025-06-01T12:00:00Z"}]`)
	mustError(t, r.conn.nextFrame(t), "c-2", ocpp.ErrorSecurityError)
}

func TestUnsupportedAction(t *testing.T) {
	r := newTestRig(t, nil)
	r.deliver(t, `[2,"c-1","Reset",{"type":"Hard"}]`)
	mustError(t, r.conn.nextFrame(t), "c-1", ocpp.ErrorNotSupported)
}

func TestInvalidPayloadIsFormationViolation(t *testing.T) {
	r := newTestRig(t, nil)
	r.deliver(t, `[2,"c-1","BootNotification",{"chargePointModel":"Terra54"}]`)
	mustError(t, r.conn.nextFrame(t), "c-1", ocpp.ErrorFormationViolation)
}

func TestUndecodableFrames(t *testing.T) {
	r := newTestRig(t, nil)

	// A malformed Call whose correlation id survived decoding gets a
	// CallError back on that id.
	r.deliver(t, `[2,"c-1","BootNotification"]`)
	mustError(t, r.conn.nextFrame(t), "c-1", ocpp.ErrorFormationViolation)

	// Frames with no recoverable id are dropped silently.
	r.deliver(t, `{"not":"an array"}`)
	r.conn.expectSilence(t)
	r.deliver(t, `garbage`)
	r.conn.expectSilence(t)
}

func TestChargingScenario(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)

	r.deliver(t, `[2,"c-2","StatusNotification",{"connectorId":1,"errorCode":"NoError","status":"Preparing"}]`)
	mustResult[ocpp.StatusNotificationResponse](t, r.conn.nextFrame(t), "c-2")

	r.deliver(t, `[2,"c-3","Authorize",{"idTag":"TAG1"}]`)
	auth := mustResult[ocpp.AuthorizeResponse](t, r.conn.nextFrame(t), "c-3")
	if auth.IdTagInfo.Status != ocpp.AuthAccepted {
		t.Fatalf("authorize status = %q", auth.IdTagInfo.Status)
	}

	r.deliver(t, `[2,"c-4","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":1000,"timestamp":"2025-06-01T12:00:00Z"}]`)
	start := mustResult[ocpp.StartTransactionResponse](t, r.conn.nextFrame(t), "c-4")
	if start.TransactionId != 1 {
		t.Fatalf("transactionId = %d, want 1", start.TransactionId)
	}
	if start.IdTagInfo.Status != ocpp.AuthAccepted {
		t.Fatalf("start status = %q", start.IdTagInfo.Status)
	}

	// The connector is busy until the transaction stops.
	r.deliver(t, `[2,"c-5","StartTransaction",{"connectorId":1,"idTag":"TAG1","meterStart":1000,"timestamp":"2025-06-01T12:01:00Z"}]`)
	mustError(t, r.conn.nextFrame(t), "c-5", "ConnectorBusy")

	r.deliver(t, `[2,"c-6","MeterValues",{"connectorId":1,"transactionId":1,"meterValue":[{"timestamp":"2025-06-01T12:30:00Z","sampledValue":[{"value":"1500","unit":"Wh"}]}]}]`)
	mustResult[ocpp.MeterValuesResponse](t, r.conn.nextFrame(t), "c-6")

	r.deliver(t, `[2,"c-7","StopTransaction",{"transactionId":1,"meterStop":2000,"timestamp":"2025-06-01T13:00:00Z","reason":"Local"}]`)
	stop := mustResult[ocpp.StopTransactionResponse](t, r.conn.nextFrame(t), "c-7")
	if stop.IdTagInfo == nil || stop.IdTagInfo.Status != ocpp.AuthAccepted {
		t.Fatalf("stop idTagInfo = %+v", stop.IdTagInfo)
	}

	tx, ok := r.ledger.Get("CP-1", 1)
	if !ok || !tx.Closed {
		t.Fatalf("transaction after stop = %+v, %v", tx, ok)
	}
	if tx.MeterStop == nil || *tx.MeterStop-tx.MeterStart != 1000 {
		t.Fatalf("energy = %v - %d, want 1000", tx.MeterStop, tx.MeterStart)
	}
	if len(tx.Samples) != 1 || tx.Samples[0].Value != "1500" {
		t.Fatalf("samples = %+v", tx.Samples)
	}

	// Stopping again reports the closed transaction, not an unknown one.
	r.deliver(t, `[2,"c-8","StopTransaction",{"transactionId":1,"meterStop":2000,"timestamp":"2025-06-01T13:01:00Z"}]`)
	mustError(t, r.conn.nextFrame(t), "c-8", "AlreadyClosed")

	r.deliver(t, `[2,"c-9","StopTransaction",{"transactionId":77,"meterStop":0,"timestamp":"2025-06-01T13:01:00Z"}]`)
	mustError(t, r.conn.nextFrame(t), "c-9", "UnknownTransaction")
}

func TestStartTransactionUnauthorizedTag(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)

	r.deliver(t, `[2,"c-2","StartTransaction",{"connectorId":1,"idTag":"NOBODY","meterStart":0,"timestamp":"2025-06-01T12:00:00Z"}]`)
	resp := mustResult[ocpp.StartTransactionResponse](t, r.conn.nextFrame(t), "c-2")
	if resp.TransactionId != 0 {
		t.Errorf("transactionId = %d, want 0", resp.TransactionId)
	}
	if resp.IdTagInfo.Status != ocpp.AuthInvalid {
		t.Errorf("status = %q, want Invalid", resp.IdTagInfo.Status)
	}
	if r.ledger.OpenCount() != 0 {
		t.Errorf("unauthorized start opened a ledger record")
	}
}

func TestMeterValuesOutsideTransaction(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)

	// Acknowledged, but nothing lands in the ledger.
	r.deliver(t, `[2,"c-2","MeterValues",{"connectorId":1,"meterValue":[{"timestamp":"2025-06-01T12:00:00Z","sampledValue":[{"value":"42"}]}]}]`)
	mustResult[ocpp.MeterValuesResponse](t, r.conn.nextFrame(t), "c-2")
	if got := len(r.ledger.ListByStation("CP-1")); got != 0 {
		t.Errorf("ledger has %d transactions, want 0", got)
	}
}

func TestMeterValuesUnknownTransaction(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)
	r.deliver(t, `[2,"c-2","MeterValues",{"connectorId":1,"transactionId":99,"meterValue":[{"timestamp":"2025-06-01T12:00:00Z","sampledValue":[{"value":"42"}]}]}]`)
	mustError(t, r.conn.nextFrame(t), "c-2", "UnknownTransaction")
}

func testCSR() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE REQUEST",
		Bytes: []byte{0x30, 0x03, 0x02, 0x01, 0x00},
	}))
}

func TestSigningDeliversCertificateChain(t *testing.T) {
	authority := &fakeAuthority{chain: [][]byte{[]byte("leaf-der"), []byte("root-der")}}
	r := newTestRig(t, authority)
	boot(t, r)

	csr, _ := json.Marshal(testCSR())
	r.deliver(t, fmt.Sprintf(`[2,"c-2","SignCertificate",{"csr":%s,"typeOfCertificate":"ChargePointCertificate"}]`, csr))

	// The ack comes first, always before the certificate delivery.
	ack := mustResult[ocpp.SignCertificateResponse](t, r.conn.nextFrame(t), "c-2")
	if ack.Status != ocpp.StatusAccepted {
		t.Fatalf("ack status = %q", ack.Status)
	}

	delivery := r.conn.nextFrame(t)
	if delivery.Type != ocpp.MessageTypeCall || delivery.Action != ocpp.ActionCertificateSigned {
		t.Fatalf("delivery frame = %+v, want CertificateSigned Call", delivery)
	}
	var req ocpp.CertificateSignedRequest
	if err := json.Unmarshal(delivery.Payload, &req); err != nil {
		t.Fatalf("delivery payload: %v", err)
	}
	if len(req.Cert) != 2 {
		t.Fatalf("chain length = %d, want 2", len(req.Cert))
	}
	if req.Cert[0] != hex.EncodeToString([]byte("leaf-der")) {
		t.Errorf("leaf = %q, want hex of leaf DER", req.Cert[0])
	}
	if req.TypeOfCertificate != "ChargePointCertificate" {
		t.Errorf("typeOfCertificate = %q", req.TypeOfCertificate)
	}

	s := r.sessions.Get("CP-1")
	if s.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1 outstanding CertificateSigned", s.PendingCount())
	}
	if s.State() != session.Operational {
		t.Fatalf("state after delivery = %v, want Operational", s.State())
	}

	// The station acknowledges the delivery; the correlation id clears.
	r.deliver(t, fmt.Sprintf(`[3,%q,{"status":"Accepted"}]`, delivery.ID))
	if s.PendingCount() != 0 {
		t.Fatalf("PendingCount after ack = %d, want 0", s.PendingCount())
	}
}

func TestSigningRejectedByAuthority(t *testing.T) {
	authority := &fakeAuthority{err: errors.New("untrusted key")}
	r := newTestRig(t, authority)
	boot(t, r)

	csr, _ := json.Marshal(testCSR())
	r.deliver(t, fmt.Sprintf(`[2,"c-2","SignCertificate",{"csr":%s}]`, csr))

	ack := mustResult[ocpp.SignCertificateResponse](t, r.conn.nextFrame(t), "c-2")
	if ack.Status != ocpp.StatusAccepted {
		t.Fatalf("ack status = %q", ack.Status)
	}

	// Rejection is silent on the wire; the session leaves SigningInFlight.
	r.conn.expectSilence(t)
	s := r.sessions.Get("CP-1")
	deadline := time.Now().Add(5 * time.Second)
	for s.State() != session.Operational {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want Operational after rejection", s.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignCertificateWithoutPEM(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)
	r.deliver(t, `[2,"c-2","SignCertificate",{"csr":"just some text"}]`)
	mustError(t, r.conn.nextFrame(t), "c-2", ocpp.ErrorFormationViolation)
}

func TestUnmatchedResponseDropped(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)

	r.deliver(t, `[3,"never-issued",{"status":"Accepted"}]`)
	r.conn.expectSilence(t)

	r.deliver(t, `[4,"never-issued","InternalError","station fault",{}]`)
	r.conn.expectSilence(t)
}

func TestSendFailureDisconnects(t *testing.T) {
	r := newTestRig(t, nil)
	r.conn.failSend = true

	r.deliver(t, `[2,"c-1","BootNotification",{"chargePointVendor":"ABB","chargePointModel":"Terra54"}]`)

	if got := r.sessions.Get("CP-1").State(); got != session.Disconnected {
		t.Errorf("state = %v, want Disconnected after send failure", got)
	}
	if r.registry.Lookup("CP-1") != nil {
		t.Error("registry still holds the failed connection")
	}
	r.conn.mu.Lock()
	closed := r.conn.closed
	r.conn.mu.Unlock()
	if !closed {
		t.Error("failed connection not closed")
	}
}

func TestStaleCloseAfterReconnect(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)

	stale := r.conn
	conn2 := newFakeConn()
	r.registry.Bind("CP-1", conn2)
	r.dispatcher.HandleConnect("CP-1")
	r.conn = conn2

	// The superseded connection's read loop winds down after the
	// reconnect already bound conn2; its close must not touch the fresh
	// session or the new binding.
	r.dispatcher.HandleDisconnect("CP-1", stale)

	if got := r.sessions.Get("CP-1").State(); got != session.Unregistered {
		t.Fatalf("state after stale close = %v, want Unregistered", got)
	}
	if r.registry.Lookup("CP-1") != conn2 {
		t.Fatal("stale close tore down the new binding")
	}

	// The station's boot on the new connection goes through.
	boot(t, r)
	r.deliver(t, `[2,"c-20","Heartbeat",{}]`)
	mustResult[ocpp.HeartbeatResponse](t, conn2.nextFrame(t), "c-20")
}

func TestReconnectRequiresReboot(t *testing.T) {
	r := newTestRig(t, nil)
	boot(t, r)

	r.dispatcher.HandleDisconnect("CP-1", r.conn)
	if got := r.sessions.Get("CP-1").State(); got != session.Disconnected {
		t.Fatalf("state = %v, want Disconnected", got)
	}

	conn2 := newFakeConn()
	r.registry.Bind("CP-1", conn2)
	r.dispatcher.HandleConnect("CP-1")
	r.conn = conn2

	r.deliver(t, `[2,"c-10","Heartbeat",{}]`)
	mustError(t, conn2.nextFrame(t), "c-10", ocpp.ErrorSecurityError)

	boot(t, r)
	r.deliver(t, `[2,"c-11","Heartbeat",{}]`)
	hb := mustResult[ocpp.HeartbeatResponse](t, conn2.nextFrame(t), "c-11")
	if hb.CurrentTime.IsZero() {
		t.Error("heartbeat currentTime not set")
	}
}
