package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"csms/internal/config"
	"csms/internal/db"
	"csms/internal/models"
	"csms/internal/repo"
	"csms/internal/security"
)

func main() {
	id := flag.String("id", "CP-1", "station id")
	secret := flag.String("secret", "devsecret", "shared secret (stored hashed)")
	active := flag.Bool("active", true, "mark station active")
	vendor := flag.String("vendor", "ABB", "vendor")
	model := flag.String("model", "Terra54", "model")
	tag := flag.String("tag", "", "optional id tag to authorize")
	tagStatus := flag.String("tag_status", "Accepted", "status for --tag (Accepted/Blocked/Expired/Invalid)")
	flag.Parse()

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		log.Fatal("CSMS_DATABASE_URL is required for seeding")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer d.Close()

	stations := repo.NewStationsRepo(d.Pool)
	tags := repo.NewTagsRepo(d.Pool)

	err = stations.Upsert(ctx, models.Station{
		StationId:  *id,
		SecretHash: security.HashSecret(*secret),
		IsActive:   *active,
		Vendor:     *vendor,
		Model:      *model,
	})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("Seeded station:", *id, "active=", *active)

	if *tag != "" {
		if err := tags.Upsert(ctx, models.AuthTag{IdTag: *tag, Status: *tagStatus}); err != nil {
			log.Fatal(err)
		}
		fmt.Println("Seeded id tag:", *tag, "status=", *tagStatus)
	}
}
