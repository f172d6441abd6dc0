package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// FramesRepo is the raw-frame audit log. It implements the dispatcher's
// FrameArchiver.
type FramesRepo struct{ db *pgxpool.Pool }

func NewFramesRepo(db *pgxpool.Pool) *FramesRepo { return &FramesRepo{db: db} }

func (r *FramesRepo) FrameReceived(ctx context.Context, station string, raw []byte) error {
	_, err := r.db.Exec(ctx, `
		insert into station_frames (station_id, received_at, payload)
		values ($1,$2,$3)
	`, station, time.Now().UTC(), raw)
	return err
}
