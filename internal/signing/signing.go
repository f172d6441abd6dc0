// Package signing orchestrates the certificate signing cycle: CSR
// submission, asynchronous CA delegation, and handoff of the signed chain
// for delivery.
package signing

import (
	"context"
	"sync"
	"time"

	"csms/internal/ca"
	"csms/internal/logger"
)

type Status string

const (
	StatusSubmitted Status = "Submitted"
	StatusSigned    Status = "Signed"
	StatusRejected  Status = "Rejected"
)

// Request is one outstanding signing cycle. At most one exists per station;
// a newer submission supersedes the older one, which is discarded with no
// reply (last writer wins).
type Request struct {
	Station     string    `json:"stationId"`
	CSR         []byte    `json:"-"`
	CertType    string    `json:"typeOfCertificate,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	Status      Status    `json:"status"`
	Generation  uint64    `json:"-"`
}

// ResolvedFunc is invoked off the connection's processed path whenever a
// signing cycle finishes. chain is nil when the CA rejected the CSR;
// certType is the submission's typeOfCertificate. The callback posts the
// outcome back into the owning station's flow; it must not assume the
// station is still connected.
type ResolvedFunc func(station string, generation uint64, certType string, chain [][]byte, signErr error)

// Workflow delegates CSRs to the CA without blocking the submitting
// connection's other traffic.
type Workflow struct {
	authority  ca.Authority
	timeout    time.Duration
	onResolved ResolvedFunc

	mu      sync.Mutex
	pending map[string]*Request
}

func NewWorkflow(authority ca.Authority, timeout time.Duration, onResolved ResolvedFunc) *Workflow {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Workflow{
		authority:  authority,
		timeout:    timeout,
		onResolved: onResolved,
		pending:    make(map[string]*Request),
	}
}

// Submit records a pending request for the station and starts the CA
// call in the background. generation ties the eventual result to this
// submission; a stale generation's result is discarded.
func (w *Workflow) Submit(station string, csr []byte, certType string, generation uint64, now time.Time) {
	req := &Request{
		Station:     station,
		CSR:         csr,
		CertType:    certType,
		SubmittedAt: now,
		Status:      StatusSubmitted,
		Generation:  generation,
	}

	w.mu.Lock()
	if prev := w.pending[station]; prev != nil && prev.Status == StatusSubmitted {
		logger.SigningLog.Infof("station %s: superseding signing request from %s", station, prev.SubmittedAt.Format(time.RFC3339))
	}
	w.pending[station] = req
	w.mu.Unlock()

	go w.run(req)
}

func (w *Workflow) run(req *Request) {
	// The CA call deliberately outlives the submitting connection: the
	// result is discarded at delivery time if nobody is there to take it.
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	chain, err := w.authority.Sign(ctx, req.CSR)

	w.mu.Lock()
	cur := w.pending[req.Station]
	if cur == nil || cur.Generation != req.Generation {
		w.mu.Unlock()
		logger.SigningLog.Debugf("station %s: discarding stale signing result", req.Station)
		return
	}
	if err != nil {
		cur.Status = StatusRejected
		w.mu.Unlock()
		logger.SigningLog.Warnf("station %s: CA rejected CSR: %v", req.Station, err)
		w.onResolved(req.Station, req.Generation, req.CertType, nil, err)
		return
	}
	cur.Status = StatusSigned
	w.mu.Unlock()

	w.onResolved(req.Station, req.Generation, req.CertType, chain, nil)
}

// Consume clears the station's pending request once the signed chain was
// handed to the delivery path. Returns false for a stale generation.
func (w *Workflow) Consume(station string, generation uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cur := w.pending[station]
	if cur == nil || cur.Generation != generation {
		return false
	}
	delete(w.pending, station)
	return true
}

// Pending returns a snapshot of the station's outstanding request.
func (w *Workflow) Pending(station string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if req := w.pending[station]; req != nil {
		return *req, true
	}
	return Request{}, false
}
