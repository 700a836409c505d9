// Command seed loads a demo project: persons, events and two dependent cohorts.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"cohort-engine/internal/config"
	"cohort-engine/internal/logging"
	"cohort-engine/internal/repository"
	"cohort-engine/internal/warehouse"
	"cohort-engine/pkg/models"
)

var (
	configPath string
	projectID  int64
	personsN   int
	days       int
	skipEvents bool
)

func main() {
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Seed a demo project for local development",
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config.yaml")
	cmd.Flags().Int64Var(&projectID, "project", 1, "Project to seed")
	cmd.Flags().IntVar(&personsN, "persons", 200, "Number of persons")
	cmd.Flags().IntVar(&days, "days", 90, "Days of event history")
	cmd.Flags().BoolVar(&skipEvents, "skip-events", false, "Only create cohorts")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer pool.Close()
	store := repository.NewPostgresCohortStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	wh, err := warehouse.Open(warehouse.Config{Driver: cfg.Warehouse.Driver, DSN: cfg.Warehouse.DSN})
	if err != nil {
		return err
	}
	defer wh.Close()
	if err := wh.Migrate(ctx); err != nil {
		return err
	}

	if !skipEvents {
		persons, events := demoData(time.Now().UTC())
		if err := wh.InsertPersons(ctx, persons); err != nil {
			return fmt.Errorf("insert persons: %w", err)
		}
		if err := wh.InsertEvents(ctx, events); err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		logger.Info("Seeded warehouse", "persons", len(persons), "events", len(events))
	}

	return seedCohorts(ctx, store, logger)
}

// demoData generates persons on a free or pro plan and a stream of
// pageview, signup and purchase events. Pro users purchase more often.
func demoData(now time.Time) ([]models.Person, []models.Event) {
	rng := rand.New(rand.NewSource(now.UnixNano()))
	plans := []string{"free", "free", "free", "pro"}
	countries := []string{"US", "DE", "BR", "IN", "JP"}

	var persons []models.Person
	var events []models.Event
	for i := 0; i < personsN; i++ {
		id := uuid.New().String()
		plan := plans[rng.Intn(len(plans))]
		persons = append(persons, models.Person{
			ProjectID: projectID,
			PersonID:  id,
			Version:   1,
			Properties: map[string]any{
				"plan":    plan,
				"country": countries[rng.Intn(len(countries))],
				"email":   fmt.Sprintf("user%d@example.com", i),
			},
		})

		signup := now.Add(-time.Duration(rng.Intn(days*24)) * time.Hour)
		events = append(events, models.Event{ProjectID: projectID, PersonID: id, Event: "signup", Timestamp: signup})

		purchaseRate := 0.05
		if plan == "pro" {
			purchaseRate = 0.3
		}
		for t := signup; t.Before(now); t = t.Add(24 * time.Hour) {
			if rng.Float64() < 0.5 {
				events = append(events, models.Event{
					ProjectID: projectID, PersonID: id, Event: "pageview", Timestamp: t.Add(time.Duration(rng.Intn(3600)) * time.Second),
					Properties: map[string]any{"path": "/pricing"},
				})
			}
			if rng.Float64() < purchaseRate {
				events = append(events, models.Event{
					ProjectID: projectID, PersonID: id, Event: "purchase", Timestamp: t.Add(time.Duration(rng.Intn(3600)) * time.Second),
					Properties: map[string]any{"amount": 10 + rng.Intn(190)},
				})
			}
		}
	}
	return persons, events
}

func seedCohorts(ctx context.Context, store *repository.PostgresCohortStore, logger *logging.Logger) error {
	ids, err := store.ListDynamicCohortIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list existing cohorts: %w", err)
	}
	existing, err := store.GetCohorts(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to read existing cohorts: %w", err)
	}
	byName := make(map[string]int64)
	for _, c := range existing {
		if c.ProjectID == projectID {
			byName[c.Name] = c.ID
		}
	}

	buyers, err := ensureCohort(ctx, store, logger, byName, "Frequent buyers", map[string]any{
		"type": "AND",
		"values": []any{
			map[string]any{"type": "event", "event": "purchase", "count_operator": "gte", "count": 3, "time_window_days": 30},
		},
	})
	if err != nil {
		return err
	}

	_, err = ensureCohort(ctx, store, logger, byName, "Pro buyers at risk", map[string]any{
		"type": "AND",
		"values": []any{
			map[string]any{"type": "cohort", "cohort_id": buyers},
			map[string]any{"type": "person_property", "key": "plan", "operator": "exact", "value": "pro"},
			map[string]any{"type": "stopped_performing", "event": "pageview", "historical_window_days": 30, "recent_window_days": 7},
		},
	})
	if err != nil {
		return err
	}

	logger.Info("Seeding complete!")
	return nil
}

func ensureCohort(ctx context.Context, store *repository.PostgresCohortStore, logger *logging.Logger, byName map[string]int64, name string, def map[string]any) (int64, error) {
	if id, ok := byName[name]; ok {
		logger.Info("Skipping existing cohort", "name", name, "id", id)
		return id, nil
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return 0, err
	}
	c := &models.Cohort{ProjectID: projectID, Name: name, Definition: raw}
	if err := store.CreateCohort(ctx, c); err != nil {
		return 0, fmt.Errorf("failed to create cohort %s: %w", name, err)
	}
	logger.Info("Seeded cohort", "name", name, "id", c.ID)
	return c.ID, nil
}
