// Package ledger tracks in-flight and completed charging transactions.
// The in-memory state is authoritative; an optional Archiver mirrors the
// lifecycle into durable storage on a best-effort basis.
package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"csms/internal/logger"
)

var (
	ErrConnectorBusy      = errors.New("ConnectorBusy")
	ErrUnknownTransaction = errors.New("UnknownTransaction")
	ErrAlreadyClosed      = errors.New("AlreadyClosed")
)

// Code maps a ledger error to its protocol-visible error code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrConnectorBusy):
		return "ConnectorBusy"
	case errors.Is(err, ErrAlreadyClosed):
		return "AlreadyClosed"
	case errors.Is(err, ErrUnknownTransaction):
		return "UnknownTransaction"
	default:
		return "InternalError"
	}
}

// Sample is one meter reading attached to a transaction. Samples are kept
// in arrival order; out-of-order timestamps are stored as delivered since
// devices batch.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     string    `json:"value"`
	Measurand string    `json:"measurand,omitempty"`
	Unit      string    `json:"unit,omitempty"`
}

type Transaction struct {
	ID          int        `json:"transactionId"`
	Station     string     `json:"stationId"`
	ConnectorId int        `json:"connectorId"`
	IdTag       string     `json:"idTag"`
	MeterStart  int64      `json:"meterStartWh"`
	StartedAt   time.Time  `json:"startedAt"`
	Samples     []Sample   `json:"samples,omitempty"`
	MeterStop   *int64     `json:"meterStopWh,omitempty"`
	StoppedAt   *time.Time `json:"stoppedAt,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Closed      bool       `json:"closed"`
}

// Receipt summarizes a closed transaction for audit.
type Receipt struct {
	TransactionId int       `json:"transactionId"`
	EnergyWh      int64     `json:"energyWh"`
	StartedAt     time.Time `json:"startedAt"`
	StoppedAt     time.Time `json:"stoppedAt"`
}

// Archiver mirrors ledger events into durable storage. Implementations
// must tolerate being called concurrently; errors are logged, never
// surfaced to the station.
type Archiver interface {
	TransactionStarted(ctx context.Context, tx Transaction) error
	MeterSamplesRecorded(ctx context.Context, station string, transactionId int, samples []Sample) error
	TransactionStopped(ctx context.Context, tx Transaction, receipt Receipt) error
}

// Ledger is safe for concurrent use. State is sharded per station so one
// station's transaction traffic never serializes behind another's.
type Ledger struct {
	archiver Archiver

	nextID atomic.Int64

	mu       sync.RWMutex
	stations map[string]*stationLedger
}

type stationLedger struct {
	mu          sync.Mutex
	open        map[int]*Transaction
	byConnector map[int]int
	closed      []*Transaction
}

func New(archiver Archiver) *Ledger {
	return &Ledger{
		archiver: archiver,
		stations: make(map[string]*stationLedger),
	}
}

func (l *Ledger) station(id string) *stationLedger {
	l.mu.RLock()
	s := l.stations[id]
	l.mu.RUnlock()
	if s != nil {
		return s
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if s = l.stations[id]; s == nil {
		s = &stationLedger{
			open:        make(map[int]*Transaction),
			byConnector: make(map[int]int),
		}
		l.stations[id] = s
	}
	return s
}

// StartTransaction opens a transaction on a connector and returns the
// allocated id. Ids are process-wide unique and never reused. Fails with
// ErrConnectorBusy while the connector has an open transaction.
func (l *Ledger) StartTransaction(ctx context.Context, station string, connectorId int, idTag string, meterStart int64, ts time.Time) (int, error) {
	s := l.station(station)

	s.mu.Lock()
	if _, busy := s.byConnector[connectorId]; busy {
		s.mu.Unlock()
		return 0, ErrConnectorBusy
	}
	id := int(l.nextID.Add(1))
	tx := &Transaction{
		ID:          id,
		Station:     station,
		ConnectorId: connectorId,
		IdTag:       idTag,
		MeterStart:  meterStart,
		StartedAt:   ts,
	}
	s.open[id] = tx
	s.byConnector[connectorId] = id
	snapshot := copyTransaction(tx)
	s.mu.Unlock()

	logger.LedgerLog.Infof("station %s connector %d: transaction %d started (meterStart=%d)", station, connectorId, id, meterStart)
	l.archive(func(a Archiver) error { return a.TransactionStarted(ctx, snapshot) })
	return id, nil
}

// RecordMeterValues appends samples to an open transaction in arrival
// order. Fails with ErrUnknownTransaction if the id is not open for that
// station.
func (l *Ledger) RecordMeterValues(ctx context.Context, station string, transactionId int, samples []Sample) error {
	s := l.station(station)

	s.mu.Lock()
	tx, ok := s.open[transactionId]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTransaction
	}
	tx.Samples = append(tx.Samples, samples...)
	s.mu.Unlock()

	l.archive(func(a Archiver) error { return a.MeterSamplesRecorded(ctx, station, transactionId, samples) })
	return nil
}

// StopTransaction closes an open transaction and returns the receipt.
// Energy is meterStop - meterStart exactly, whatever the samples said in
// between.
func (l *Ledger) StopTransaction(ctx context.Context, station string, transactionId int, meterStop int64, ts time.Time, reason string) (Receipt, error) {
	s := l.station(station)

	s.mu.Lock()
	tx, ok := s.open[transactionId]
	if !ok {
		closed := false
		for _, c := range s.closed {
			if c.ID == transactionId {
				closed = true
				break
			}
		}
		s.mu.Unlock()
		if closed {
			return Receipt{}, ErrAlreadyClosed
		}
		return Receipt{}, ErrUnknownTransaction
	}

	tx.MeterStop = &meterStop
	tx.StoppedAt = &ts
	tx.Reason = reason
	tx.Closed = true
	delete(s.open, transactionId)
	delete(s.byConnector, tx.ConnectorId)
	s.closed = append(s.closed, tx)

	receipt := Receipt{
		TransactionId: transactionId,
		EnergyWh:      meterStop - tx.MeterStart,
		StartedAt:     tx.StartedAt,
		StoppedAt:     ts,
	}
	snapshot := copyTransaction(tx)
	s.mu.Unlock()

	logger.LedgerLog.Infof("station %s: transaction %d stopped (energyWh=%d, reason=%q)", station, transactionId, receipt.EnergyWh, reason)
	l.archive(func(a Archiver) error { return a.TransactionStopped(ctx, snapshot, receipt) })
	return receipt, nil
}

// Get returns a copy of a transaction by id, open or closed.
func (l *Ledger) Get(station string, transactionId int) (Transaction, bool) {
	s := l.station(station)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.open[transactionId]; ok {
		return copyTransaction(tx), true
	}
	for _, tx := range s.closed {
		if tx.ID == transactionId {
			return copyTransaction(tx), true
		}
	}
	return Transaction{}, false
}

// Find looks a transaction up by id across all stations.
func (l *Ledger) Find(transactionId int) (Transaction, bool) {
	l.mu.RLock()
	names := make([]string, 0, len(l.stations))
	for name := range l.stations {
		names = append(names, name)
	}
	l.mu.RUnlock()

	for _, name := range names {
		if tx, ok := l.Get(name, transactionId); ok {
			return tx, true
		}
	}
	return Transaction{}, false
}

// ListByStation returns copies of a station's transactions, open first.
func (l *Ledger) ListByStation(station string) []Transaction {
	s := l.station(station)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, 0, len(s.open)+len(s.closed))
	for _, tx := range s.open {
		out = append(out, copyTransaction(tx))
	}
	for _, tx := range s.closed {
		out = append(out, copyTransaction(tx))
	}
	return out
}

// OpenCount returns the number of open transactions across all stations.
func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, s := range l.stations {
		s.mu.Lock()
		n += len(s.open)
		s.mu.Unlock()
	}
	return n
}

func (l *Ledger) archive(fn func(Archiver) error) {
	if l.archiver == nil {
		return
	}
	if err := fn(l.archiver); err != nil {
		logger.LedgerLog.Warnf("archive failed: %v", err)
	}
}

func copyTransaction(tx *Transaction) Transaction {
	out := *tx
	out.Samples = append([]Sample(nil), tx.Samples...)
	if tx.MeterStop != nil {
		v := *tx.MeterStop
		out.MeterStop = &v
	}
	if tx.StoppedAt != nil {
		v := *tx.StoppedAt
		out.StoppedAt = &v
	}
	return out
}
