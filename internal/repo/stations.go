package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/security"
)

type StationsRepo struct{ db *pgxpool.Pool }

func NewStationsRepo(db *pgxpool.Pool) *StationsRepo { return &StationsRepo{db: db} }

func (r *StationsRepo) Upsert(ctx context.Context, s models.Station) error {
	_, err := r.db.Exec(ctx, `
		insert into stations (station_id, secret_hash, is_active, vendor, model, serial_number, firmware_version)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (station_id) do update set
		  secret_hash=excluded.secret_hash,
		  is_active=excluded.is_active,
		  vendor=excluded.vendor,
		  model=excluded.model,
		  serial_number=excluded.serial_number,
		  firmware_version=excluded.firmware_version,
		  updated_at=now()
	`, s.StationId, s.SecretHash, s.IsActive, s.Vendor, s.Model, s.SerialNumber, s.FirmwareVersion)
	return err
}

func (r *StationsRepo) Get(ctx context.Context, id string) (*models.Station, error) {
	row := r.db.QueryRow(ctx, `
		select station_id, secret_hash, is_active, coalesce(vendor,''), coalesce(model,''),
		       coalesce(serial_number,''), coalesce(firmware_version,''),
		       created_at, updated_at, last_seen_at
		from stations where station_id=$1
	`, id)

	var s models.Station
	if err := row.Scan(&s.StationId, &s.SecretHash, &s.IsActive, &s.Vendor, &s.Model, &s.SerialNumber, &s.FirmwareVersion, &s.CreatedAt, &s.UpdatedAt, &s.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *StationsRepo) TouchLastSeen(ctx context.Context, id string, t time.Time) error {
	_, err := r.db.Exec(ctx, `update stations set last_seen_at=$2, updated_at=now() where station_id=$1`, id, t)
	return err
}

func (r *StationsRepo) UpsertConnectorStatus(ctx context.Context, st models.ConnectorStatus) error {
	_, err := r.db.Exec(ctx, `
		insert into connector_status (station_id, connector_id, status, error_code, info, updated_at)
		values ($1,$2,$3,$4,$5, now())
		on conflict (station_id, connector_id) do update set
		  status=excluded.status,
		  error_code=excluded.error_code,
		  info=excluded.info,
		  updated_at=now()
	`, st.StationId, st.ConnectorId, st.Status, st.ErrorCode, st.Info)
	return err
}

func (r *StationsRepo) ListConnectors(ctx context.Context, station string) ([]models.ConnectorStatus, error) {
	rows, err := r.db.Query(ctx, `
		select station_id, connector_id, status, error_code, coalesce(info,''), updated_at
		from connector_status where station_id=$1
		order by connector_id asc
	`, station)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConnectorStatus
	for rows.Next() {
		var s models.ConnectorStatus
		if err := rows.Scan(&s.StationId, &s.ConnectorId, &s.Status, &s.ErrorCode, &s.Info, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// StationBooted, StationSeen and ConnectorStatusChanged satisfy the
// dispatcher's StationStore.

func (r *StationsRepo) StationBooted(ctx context.Context, station string, req ocpp.BootNotificationRequest, ts time.Time) error {
	existing, err := r.Get(ctx, station)
	if err != nil {
		return err
	}
	if existing != nil {
		// Known station: keep its secret and activation, refresh metadata.
		existing.Vendor = req.ChargePointVendor
		existing.Model = req.ChargePointModel
		existing.SerialNumber = req.ChargePointSerialNumber
		existing.FirmwareVersion = req.FirmwareVersion
		if err := r.Upsert(ctx, *existing); err != nil {
			return err
		}
		return r.TouchLastSeen(ctx, station, ts)
	}
	return r.Upsert(ctx, models.Station{
		StationId:       station,
		Vendor:          req.ChargePointVendor,
		Model:           req.ChargePointModel,
		SerialNumber:    req.ChargePointSerialNumber,
		FirmwareVersion: req.FirmwareVersion,
	})
}

func (r *StationsRepo) StationSeen(ctx context.Context, station string, ts time.Time) error {
	return r.TouchLastSeen(ctx, station, ts)
}

func (r *StationsRepo) ConnectorStatusChanged(ctx context.Context, station string, req ocpp.StatusNotificationRequest, ts time.Time) error {
	return r.UpsertConnectorStatus(ctx, models.ConnectorStatus{
		StationId:   station,
		ConnectorId: req.ConnectorId,
		Status:      req.Status,
		ErrorCode:   req.ErrorCode,
		Info:        req.Info,
		UpdatedAt:   ts,
	})
}

// Authenticate checks a station's presented secret for the websocket
// upgrade. Inactive or unknown stations are refused.
func (r *StationsRepo) Authenticate(ctx context.Context, station, secret string) bool {
	s, err := r.Get(ctx, station)
	if err != nil || s == nil {
		return false
	}
	if !s.IsActive || s.SecretHash == "" {
		return false
	}
	return security.VerifySecret(s.SecretHash, secret)
}
