package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"chronika.org/internal/config"
	"chronika.org/internal/obs"
	"chronika.org/internal/store/pg"
	"chronika.org/internal/temporal"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

// Exercises the full versioning cycle against the in-memory engine,
// or against PostgreSQL when CHRONIKA_PG_DSN is set.
func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var backing temporal.Service
	if dsn := os.Getenv("CHRONIKA_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open pg store: %v", err)
		}
		defer store.Close()
		backing = store
	} else if cfg, err := config.Load(""); err == nil && os.Getenv("CHRONIKA_USE_PG") != "" {
		store, err := pg.Open(cfg.Database.DSN())
		if err != nil {
			log.Fatalf("open pg store: %v", err)
		}
		defer store.Close()
		backing = store
	} else {
		mem := temporal.NewInMemory()
		backing = mem
	}
	svc := temporal.Instrumented(backing)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := svc.CreateType(ctx, "PERSON", "Person"); err != nil && !errors.Is(err, temporal.ErrTypeExists) {
		log.Fatalf("create type: %v", err)
	}

	uid := uuid.New()
	first, changed, err := svc.UpsertEntity(ctx, temporal.UpsertEntityParams{
		EntityUID:   uid,
		TypeCode:    "PERSON",
		DisplayName: "Dan",
		Actor:       "smoke",
	})
	if err != nil || !changed {
		log.Fatalf("first upsert: changed=%v err=%v", changed, err)
	}

	_, changed, err = svc.UpsertEntity(ctx, temporal.UpsertEntityParams{
		EntityUID:   uid,
		TypeCode:    "PERSON",
		DisplayName: "Dan",
		Actor:       "smoke",
	})
	if err != nil {
		log.Fatalf("idempotent upsert: %v", err)
	}
	if changed {
		log.Fatal("identical content opened a new version")
	}

	second, changed, err := svc.UpsertEntity(ctx, temporal.UpsertEntityParams{
		EntityUID:   uid,
		TypeCode:    "PERSON",
		DisplayName: "Dana",
		Actor:       "smoke",
	})
	if err != nil || !changed {
		log.Fatalf("second upsert: changed=%v err=%v", changed, err)
	}

	cur, err := svc.CurrentEntity(ctx, uid)
	if err != nil || cur.DisplayName != "Dana" {
		log.Fatalf("current: %+v err=%v", cur, err)
	}

	old, err := svc.EntityAsOf(ctx, uid, first.ValidFrom)
	if err != nil || old.DisplayName != "Dan" {
		log.Fatalf("as-of first version: %+v err=%v", old, err)
	}

	history, err := svc.EntityHistory(ctx, uid)
	if err != nil || len(history) != 2 {
		log.Fatalf("history: len=%d err=%v", len(history), err)
	}
	if history[0].ValidTo == nil || !history[0].ValidTo.Equal(history[1].ValidFrom) {
		log.Fatal("history has a gap")
	}

	changedUIDs, err := svc.ChangedBetween(ctx, first.CreatedAt.Add(-time.Minute), second.CreatedAt.Add(time.Minute))
	if err != nil {
		log.Fatalf("diff: %v", err)
	}
	found := false
	for _, c := range changedUIDs {
		if c == uid {
			found = true
		}
	}
	if !found {
		log.Fatal("diff window missed the changed entity")
	}

	if _, _, err := svc.UpsertDetail(ctx, temporal.UpsertDetailParams{
		EntityUID:   uid,
		DetailCode:  "EMAIL",
		DetailValue: "dana@example.com",
		Actor:       "smoke",
	}); err != nil {
		log.Fatalf("detail upsert: %v", err)
	}
	if err := svc.DeleteDetail(ctx, uid, "EMAIL"); err != nil {
		log.Fatalf("detail delete: %v", err)
	}

	trail, err := svc.AuditTrail(ctx, uid)
	if err != nil {
		log.Fatalf("audit trail: %v", err)
	}
	if len(trail) != 4 { // two entity versions, one detail version, one detail retirement
		log.Fatalf("unexpected audit trail length: %d", len(trail))
	}

	fmt.Printf("✅ temporal smoke test passed: entity=%s versions=%d audit=%d\n", uid, len(history), len(trail))
}
