//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/shopspring/decimal"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	"capinha/internal/domain/ports/repository"
)

func newCode(code string, status model.CodeStatus) *model.ActivationCode {
	amount := decimal.RequireFromString("49.90")
	return &model.ActivationCode{
		Code:      code,
		Status:    status,
		Plan:      "basic",
		Amount:    &amount,
		Source:    model.CodeSourceBatch,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestActivationCodeRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewActivationCodeRepo(testPool)
	txm := NewTxManager(testPool)

	t.Run("should create and find a code", func(t *testing.T) {
		cleanup(t)
		c := newCode("CAP-AAAA-BBBB-CCCC", model.CodeStatusAvailable)
		if err := repo.Create(ctx, nil, c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		found, err := repo.FindByCode(ctx, nil, c.Code)
		if err != nil {
			t.Fatalf("FindByCode failed: %v", err)
		}
		if found.Status != model.CodeStatusAvailable || !found.Amount.Equal(*c.Amount) {
			t.Errorf("unexpected code %+v", found)
		}
		ok, err := repo.Exists(ctx, nil, c.Code)
		if err != nil || !ok {
			t.Errorf("expected code to exist, got %v %v", ok, err)
		}
	})

	t.Run("should reject duplicate codes", func(t *testing.T) {
		cleanup(t)
		c := newCode("CAP-DUPL-DUPL-DUPL", model.CodeStatusAvailable)
		if err := repo.Create(ctx, nil, c); err != nil {
			t.Fatal(err)
		}
		if err := repo.Create(ctx, nil, c); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("should return ErrNotFound for unknown code", func(t *testing.T) {
		cleanup(t)
		if _, err := repo.FindByCode(ctx, nil, "CAP-NOPE-NOPE-NOPE"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("batch insert is all or nothing", func(t *testing.T) {
		cleanup(t)
		if err := repo.Create(ctx, nil, newCode("CAP-TAKE-N000-0003", model.CodeStatusAvailable)); err != nil {
			t.Fatal(err)
		}
		batch := []*model.ActivationCode{
			newCode("CAP-TAKE-N000-0001", model.CodeStatusAvailable),
			newCode("CAP-TAKE-N000-0002", model.CodeStatusAvailable),
			newCode("CAP-TAKE-N000-0003", model.CodeStatusAvailable),
		}
		err := txm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			return repo.CreateBatch(ctx, tx, batch)
		})
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
		list, err := repo.List(ctx, nil, model.CodeFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 1 {
			t.Fatalf("expected only the pre-existing code, got %d codes", len(list))
		}
	})

	t.Run("status transitions are conditional", func(t *testing.T) {
		cleanup(t)
		code := "CAP-FLOW-FLOW-FLOW"
		if err := repo.Create(ctx, nil, newCode(code, model.CodeStatusAvailable)); err != nil {
			t.Fatal(err)
		}
		now := time.Now()

		ok, err := repo.Activate(ctx, nil, code, now)
		if err != nil || ok {
			t.Fatalf("available code must not activate, got %v %v", ok, err)
		}
		ok, err = repo.MarkSold(ctx, nil, code, model.SaleDetails{
			Customer:      model.Customer{Name: "Ana", Email: "ana@example.com"},
			PaymentMethod: "cash",
		}, now)
		if err != nil || !ok {
			t.Fatalf("expected sale, got %v %v", ok, err)
		}
		ok, err = repo.MarkSold(ctx, nil, code, model.SaleDetails{}, now)
		if err != nil || ok {
			t.Fatalf("second sale must be rejected, got %v %v", ok, err)
		}
		ok, err = repo.Activate(ctx, nil, code, now)
		if err != nil || !ok {
			t.Fatalf("expected activation, got %v %v", ok, err)
		}
		ok, err = repo.Expire(ctx, nil, code, now)
		if err != nil || ok {
			t.Fatalf("activated code must not expire, got %v %v", ok, err)
		}
		found, _ := repo.FindByCode(ctx, nil, code)
		if found.Status != model.CodeStatusActivated || found.Customer.Email != "ana@example.com" || found.ActivatedAt == nil {
			t.Errorf("unexpected final code %+v", found)
		}
	})

	t.Run("concurrent activation has exactly one winner", func(t *testing.T) {
		cleanup(t)
		code := "CAP-RACE-RACE-RACE"
		if err := repo.Create(ctx, nil, newCode(code, model.CodeStatusSold)); err != nil {
			t.Fatal(err)
		}
		const n = 10
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := repo.Activate(ctx, nil, code, time.Now())
				if err != nil {
					t.Errorf("activate: %v", err)
				}
				if ok {
					atomic.AddInt32(&wins, 1)
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}
	})

	t.Run("lists activated codes without a card", func(t *testing.T) {
		cleanup(t)
		for i := 0; i < 2; i++ {
			c := newCode(fmt.Sprintf("CAP-ORPH-AN00-000%d", i), model.CodeStatusSold)
			if err := repo.Create(ctx, nil, c); err != nil {
				t.Fatal(err)
			}
			if _, err := repo.Activate(ctx, nil, c.Code, time.Now()); err != nil {
				t.Fatal(err)
			}
		}
		linked := "CAP-ORPH-AN00-0000"
		if err := NewCardRepo(testPool).Create(ctx, nil, &model.Card{
			ID: "8b5a4d1e-4f44-4a8f-9a0c-0f5a1c2d3e4f", Slug: "card-0", DisplayName: "Ana", Plan: "basic",
			ActivationCode: &linked, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		orphans, err := repo.ListActivatedWithoutCard(ctx, nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(orphans) != 1 || orphans[0].Code != "CAP-ORPH-AN00-0001" {
			t.Fatalf("unexpected orphans %+v", orphans)
		}
	})
}
