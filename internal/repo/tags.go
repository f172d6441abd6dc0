package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"csms/internal/models"
	"csms/internal/ocpp"
)

// TagsRepo is the postgres-backed id-tag list. It satisfies
// authlist.Checker for deployments with a database.
type TagsRepo struct{ db *pgxpool.Pool }

func NewTagsRepo(db *pgxpool.Pool) *TagsRepo { return &TagsRepo{db: db} }

func (r *TagsRepo) Upsert(ctx context.Context, t models.AuthTag) error {
	_, err := r.db.Exec(ctx, `
		insert into auth_tags (id_tag, status, expires_at)
		values ($1,$2,$3)
		on conflict (id_tag) do update set
		  status=excluded.status,
		  expires_at=excluded.expires_at,
		  updated_at=now()
	`, t.IdTag, t.Status, t.ExpiresAt)
	return err
}

func (r *TagsRepo) Get(ctx context.Context, idTag string) (*models.AuthTag, error) {
	row := r.db.QueryRow(ctx, `
		select id_tag, status, expires_at, updated_at
		from auth_tags where id_tag=$1
	`, idTag)

	var t models.AuthTag
	if err := row.Scan(&t.IdTag, &t.Status, &t.ExpiresAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CheckIdTag resolves a tag's authorization status. Lookup failures read
// as Invalid; authorization must fail closed.
func (r *TagsRepo) CheckIdTag(ctx context.Context, idTag string) string {
	t, err := r.Get(ctx, idTag)
	if err != nil || t == nil {
		return ocpp.AuthInvalid
	}
	if t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt) {
		return ocpp.AuthExpired
	}
	return t.Status
}
