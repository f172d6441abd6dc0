package signing

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeAuthority struct {
	mu    sync.Mutex
	calls [][]byte

	chain   [][]byte
	err     error
	release chan struct{}
}

func (f *fakeAuthority) Sign(ctx context.Context, csrPEM []byte) ([][]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, csrPEM)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.chain, f.err
}

type resolution struct {
	station    string
	generation uint64
	certType   string
	chain      [][]byte
	err        error
}

func collectResolutions() (ResolvedFunc, chan resolution) {
	ch := make(chan resolution, 8)
	return func(station string, generation uint64, certType string, chain [][]byte, signErr error) {
		ch <- resolution{station, generation, certType, chain, signErr}
	}, ch
}

func waitResolution(t *testing.T, ch chan resolution) resolution {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("signing cycle never resolved")
		return resolution{}
	}
}

func TestSubmitResolvesWithChain(t *testing.T) {
	authority := &fakeAuthority{chain: [][]byte{[]byte("leaf"), []byte("root")}}
	resolved, ch := collectResolutions()
	w := NewWorkflow(authority, time.Second, resolved)

	csr := []byte("-----BEGIN CERTIFICATE REQUEST-----\n...")
	w.Submit("CP-1", csr, "ChargePointCertificate", 1, time.Now().UTC())

	r := waitResolution(t, ch)
	if r.station != "CP-1" || r.generation != 1 {
		t.Fatalf("resolved station=%q gen=%d", r.station, r.generation)
	}
	if r.err != nil {
		t.Fatalf("resolved with error: %v", r.err)
	}
	if len(r.chain) != 2 || !bytes.Equal(r.chain[0], []byte("leaf")) {
		t.Fatalf("resolved chain = %v", r.chain)
	}
	if r.certType != "ChargePointCertificate" {
		t.Fatalf("resolved certType = %q", r.certType)
	}

	req, ok := w.Pending("CP-1")
	if !ok || req.Status != StatusSigned {
		t.Fatalf("pending after resolve = %+v, %v; want Signed", req, ok)
	}
	if req.CertType != "ChargePointCertificate" {
		t.Fatalf("CertType = %q", req.CertType)
	}

	if !w.Consume("CP-1", 1) {
		t.Fatal("Consume refused the current generation")
	}
	if _, ok := w.Pending("CP-1"); ok {
		t.Fatal("request still pending after Consume")
	}
}

func TestSubmitRejectedByAuthority(t *testing.T) {
	authority := &fakeAuthority{err: errors.New("bad csr")}
	resolved, ch := collectResolutions()
	w := NewWorkflow(authority, time.Second, resolved)

	w.Submit("CP-1", []byte("csr"), "", 1, time.Now().UTC())

	r := waitResolution(t, ch)
	if r.err == nil {
		t.Fatal("resolution carried no error")
	}
	if r.chain != nil {
		t.Fatalf("rejected resolution carried a chain: %v", r.chain)
	}

	// The rejected request stays visible for operators until superseded.
	req, ok := w.Pending("CP-1")
	if !ok || req.Status != StatusRejected {
		t.Fatalf("pending after rejection = %+v, %v; want Rejected", req, ok)
	}
}

func TestSupersededSubmissionIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	authority := &fakeAuthority{chain: [][]byte{[]byte("leaf")}, release: release}
	resolved, ch := collectResolutions()
	w := NewWorkflow(authority, 5*time.Second, resolved)

	now := time.Now().UTC()
	w.Submit("CP-1", []byte("csr-1"), "V2GCertificate", 1, now)
	// Second submission lands while the first CA call is still in flight.
	w.Submit("CP-1", []byte("csr-2"), "ChargePointCertificate", 2, now.Add(time.Second))
	close(release)

	// Only generation 2 may resolve; generation 1's result is dropped with
	// no callback.
	r := waitResolution(t, ch)
	if r.generation != 2 {
		t.Fatalf("resolved generation %d, want 2", r.generation)
	}
	// The resolution carries its own submission's certificate type, never
	// a later re-read of shared state.
	if r.certType != "ChargePointCertificate" {
		t.Fatalf("resolved certType = %q, want the live submission's", r.certType)
	}
	select {
	case extra := <-ch:
		t.Fatalf("superseded submission also resolved: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}

	if w.Consume("CP-1", 1) {
		t.Fatal("Consume accepted a superseded generation")
	}
	if !w.Consume("CP-1", 2) {
		t.Fatal("Consume refused the live generation")
	}
}

func TestConsumeUnknownStation(t *testing.T) {
	resolved, _ := collectResolutions()
	w := NewWorkflow(&fakeAuthority{}, time.Second, resolved)
	if w.Consume("CP-404", 1) {
		t.Fatal("Consume succeeded for a station that never submitted")
	}
}
