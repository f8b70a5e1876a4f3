package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"checkout-orchestrator/internal/config"
	"checkout-orchestrator/internal/database"
	"checkout-orchestrator/internal/domain"
	"checkout-orchestrator/internal/infrastructure/payment"
	"checkout-orchestrator/internal/logger"
	"checkout-orchestrator/internal/repo"
	"checkout-orchestrator/internal/service"
	"checkout-orchestrator/internal/worker"
)

func main() {
	orders := flag.Int("orders", 20, "number of checkouts to run")
	settle := flag.Duration("settle", 10*time.Second, "how long the reconciliation worker runs afterwards")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(os.Stderr, slog.LevelWarn)

	ctx := context.Background()
	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		log.Error("connect database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	orderRepo := repo.NewOrderRepo(db.DB())
	gateway := payment.NewMockGateway(payment.DefaultMockOptions())
	checkout := service.NewCheckoutService(
		orderRepo,
		repo.NewIdempotencyRepo(db.DB()),
		repo.NewPaymentRepo(db.DB()),
		gateway,
		service.Options{
			GatewayTimeout: time.Second,
			StaleAfter:     2 * time.Second,
			Logger:         log,
		},
	)

	fmt.Printf("--- STARTING SIMULATION (%d CHECKOUTS) ---\n", *orders)
	run := uuid.NewString()[:8]
	var ids []uuid.UUID
	for i := 0; i < *orders; i++ {
		key := fmt.Sprintf("sim-%s-%d", run, i)
		// Every fifth request retries the previous key, as a client would after a timeout.
		if i > 0 && i%5 == 0 {
			key = fmt.Sprintf("sim-%s-%d", run, i-1)
		}

		fmt.Printf("[%d] checkout key=%s ... ", i+1, key)
		res, err := checkout.Checkout(ctx, service.CheckoutRequest{
			UserID: "sim-user",
			Items: []domain.LineItem{
				{ProductID: "sku-sim", Quantity: i%3 + 1, UnitPrice: decimal.RequireFromString("19.99")},
			},
			IdempotencyKey: key,
		})
		if err != nil {
			fmt.Printf("ERROR: %v\n", err)
			continue
		}
		fmt.Printf("%s (replayed=%t)\n", res.Status, res.Replayed)

		fresh, err := orderRepo.FindById(ctx, res.OrderID)
		if err == nil {
			fmt.Printf("    -> DB Status: %s\n", fresh.Status)
		}
		ids = append(ids, res.OrderID)
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Printf("--- RUNNING RECONCILIATION FOR %s ---\n", *settle)
	workerCtx, cancel := context.WithTimeout(ctx, *settle)
	defer cancel()
	worker.NewReconciliationWorker(checkout, time.Second, 100, log).Run(workerCtx)

	counts := map[domain.OrderStatus]int{}
	seen := map[uuid.UUID]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		o, err := orderRepo.FindById(ctx, id)
		if err != nil {
			fmt.Printf("order %s: %v\n", id, err)
			continue
		}
		counts[o.Status]++
	}

	fmt.Println("--- FINAL STATE ---")
	fmt.Printf("orders: %d, gateway charges: %d\n", len(seen), gateway.Charges())
	for _, st := range []domain.OrderStatus{
		domain.OrderPaid,
		domain.OrderPaymentFailed,
		domain.OrderAwaitingPayment,
		domain.OrderPending,
		domain.OrderCancelled,
	} {
		fmt.Printf("  %-17s %d\n", st, counts[st])
	}
}
