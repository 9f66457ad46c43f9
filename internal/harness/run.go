package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mkerrow/strata/internal/compiler"
	"github.com/mkerrow/strata/internal/history"
	"github.com/mkerrow/strata/internal/migrate"
	"github.com/mkerrow/strata/internal/store"
	"github.com/mkerrow/strata/internal/txn"
	"github.com/mkerrow/strata/schema"
)

// Result is the outcome of one scenario run. A run that could not reach
// the assertion stage at all (bad declarations, seeding failure,
// migration failure) is an error from Run instead.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool

	// Errors holds one message per failed assertion.
	Errors []string

	// Plan is the executed plan; empty when the seed version was
	// already current.
	Plan *migrate.Plan

	// Meta is the migrated store's stamp.
	Meta *store.Meta
}

// AddError records an assertion failure and fails the result.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// Run executes one scenario in a scratch directory: compile the
// declarations, create a store stamped at the seed version, insert the
// seed records, migrate to the declared current version, and evaluate
// every assertion against the outcome.
func Run(s *Scenario) (*Result, error) {
	ctx := context.Background()

	loaded, errs := compiler.LoadDir(s.Schemas, compiler.FailFast)
	if len(errs) > 0 {
		return nil, fmt.Errorf("loading declarations: %w", errs[0])
	}
	h, err := loaded.Decls.History()
	if err != nil {
		return nil, fmt.Errorf("assembling history: %w", err)
	}

	seedModel, ok := h.Model(s.Seed.Version)
	if !ok {
		return nil, fmt.Errorf("seed version %q: %w", s.Seed.Version, history.ErrUnknownVersion)
	}

	dir, err := os.MkdirTemp("", "strata-scenario-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "scenario.store")

	if err := seed(ctx, path, seedModel, s.Seed.Records); err != nil {
		return nil, err
	}

	plan, err := migrate.BuildPlan(h, s.Seed.Version, nil)
	if err != nil {
		return nil, fmt.Errorf("planning: %w", err)
	}
	if !plan.Empty() {
		if _, err := migrate.Execute(ctx, path, plan); err != nil {
			return nil, fmt.Errorf("migrating: %w", err)
		}
	}

	result := &Result{Pass: true, Plan: plan}
	if result.Meta, err = store.ReadMeta(path); err != nil {
		return nil, err
	}

	st, err := store.OpenReadOnly(path, h.Current())
	if err != nil {
		return nil, fmt.Errorf("opening migrated store: %w", err)
	}
	defer st.Close()

	evaluate(ctx, st, s.Assertions, result)
	return result, nil
}

// seed creates the store file and inserts the records in one write
// transaction, so a bad record leaves nothing behind.
func seed(ctx context.Context, path string, model *schema.Model, records []SeedRecord) error {
	st, err := store.Create(path, model, "")
	if err != nil {
		return fmt.Errorf("creating seed store: %w", err)
	}
	defer st.Close()
	if len(records) == 0 {
		return nil
	}
	_, err = txn.Run(ctx, st, func(w *txn.Writer) error {
		for i, rec := range records {
			if _, err := w.Insert(rec.Entity, rec.Fields); err != nil {
				return fmt.Errorf("seed record %d (%s): %w", i, rec.Entity, err)
			}
		}
		return nil
	})
	return err
}
