package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"csms/internal/ledger"
)

// TransactionsRepo mirrors the in-memory ledger into postgres. It
// implements ledger.Archiver; the live engine never reads it back.
type TransactionsRepo struct{ db *pgxpool.Pool }

func NewTransactionsRepo(db *pgxpool.Pool) *TransactionsRepo { return &TransactionsRepo{db: db} }

func (r *TransactionsRepo) TransactionStarted(ctx context.Context, tx ledger.Transaction) error {
	_, err := r.db.Exec(ctx, `
		insert into transactions (transaction_id, station_id, connector_id, id_tag, meter_start_wh, started_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (transaction_id) do nothing
	`, tx.ID, tx.Station, tx.ConnectorId, tx.IdTag, tx.MeterStart, tx.StartedAt)
	return err
}

func (r *TransactionsRepo) MeterSamplesRecorded(ctx context.Context, station string, transactionId int, samples []ledger.Sample) error {
	for _, s := range samples {
		if _, err := r.db.Exec(ctx, `
			insert into meter_samples (transaction_id, station_id, ts, value, measurand, unit)
			values ($1,$2,$3,$4,$5,$6)
		`, transactionId, station, s.Timestamp, s.Value, s.Measurand, s.Unit); err != nil {
			return err
		}
	}
	return nil
}

func (r *TransactionsRepo) TransactionStopped(ctx context.Context, tx ledger.Transaction, receipt ledger.Receipt) error {
	_, err := r.db.Exec(ctx, `
		update transactions set
		  meter_stop_wh=$2, stopped_at=$3, reason=$4, energy_wh=$5, closed=true, updated_at=now()
		where transaction_id=$1
	`, tx.ID, tx.MeterStop, tx.StoppedAt, nullIfEmpty(tx.Reason), receipt.EnergyWh)
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
