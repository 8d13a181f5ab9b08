package main

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestMemberByEmailNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.MemberByEmail(context.Background(), "nadie@test.com"); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("quiero ErrMemberNotFound, vino %v", err)
	}
}

func TestCreateOrderAggregatePreservesLineOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mid, err := repo.CreateMember(ctx, buyerEmail, "buyer")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := repo.CreateProduct(ctx, &Product{Name: "a", StockQuantity: 10})
	b, _ := repo.CreateProduct(ctx, &Product{Name: "b", StockQuantity: 10})

	o := &Order{MemberID: mid, Status: OrderStatusPlaced, CreatedUnix: nowUnix(), UpdatedUnix: nowUnix()}
	o.Lines = []OrderLine{
		{ProductID: b, Quantity: 2},
		{ProductID: a, Quantity: 1},
	}
	cold := []OrderLine{
		{ProductID: b, Quantity: 2},
		{ProductID: a, Quantity: 1},
	}
	oid, err := repo.CreateOrder(ctx, o, cold)
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := repo.GetOrder(ctx, oid)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Lines) != 2 || got.Lines[0].ProductID != b || got.Lines[1].ProductID != a {
		t.Fatalf("orden de lineas no conservado: %+v", got.Lines)
	}
	if stock, _ := repo.StockQuantity(ctx, b); stock != 8 {
		t.Fatalf("stock b = %d, quiero 8", stock)
	}
	if stock, _ := repo.StockQuantity(ctx, a); stock != 9 {
		t.Fatalf("stock a = %d, quiero 9", stock)
	}

	mine, err := repo.ListOrdersByMember(ctx, mid)
	if err != nil || len(mine) != 1 || mine[0].ID != oid {
		t.Fatalf("ListOrdersByMember: %+v, %v", mine, err)
	}
}

func TestCreateOrderColdInsufficientRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	mid, _ := repo.CreateMember(ctx, buyerEmail, "buyer")
	a, _ := repo.CreateProduct(ctx, &Product{Name: "a", StockQuantity: 10})
	b, _ := repo.CreateProduct(ctx, &Product{Name: "b", StockQuantity: 3})

	o := &Order{MemberID: mid, Status: OrderStatusPlaced, CreatedUnix: nowUnix(), UpdatedUnix: nowUnix()}
	o.Lines = []OrderLine{{ProductID: a, Quantity: 4}, {ProductID: b, Quantity: 5}}
	cold := []OrderLine{{ProductID: a, Quantity: 4}, {ProductID: b, Quantity: 5}}

	_, err := repo.CreateOrder(ctx, o, cold)
	if !isInsufficient(err) {
		t.Fatalf("quiero ErrInsufficientStock, vino %v", err)
	}
	// todo o nada: el decremento de a tambien se revierte
	if stock, _ := repo.StockQuantity(ctx, a); stock != 10 {
		t.Fatalf("stock a = %d tras rollback, quiero 10", stock)
	}
	orders, _ := repo.ListOrders(ctx)
	if len(orders) != 0 {
		t.Fatalf("pedidos persistidos = %d, quiero 0", len(orders))
	}
}

func TestApplyStockDecreaseIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	pid, _ := repo.CreateProduct(ctx, &Product{Name: "sale", StockQuantity: 10, Hot: true})

	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: pid, Quantity: 4}
	applied, err := repo.ApplyStockDecrease(ctx, ev)
	if err != nil || !applied {
		t.Fatalf("primera aplicacion: applied=%v err=%v", applied, err)
	}
	applied, err = repo.ApplyStockDecrease(ctx, ev)
	if err != nil || applied {
		t.Fatalf("segunda aplicacion: applied=%v err=%v, quiero false", applied, err)
	}
	if stock, _ := repo.StockQuantity(ctx, pid); stock != 6 {
		t.Fatalf("stock = %d, quiero 6 (un solo decremento)", stock)
	}
}

func TestApplyStockDecreaseClampsAtZero(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	pid, _ := repo.CreateProduct(ctx, &Product{Name: "sale", StockQuantity: 3, Hot: true})

	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: pid, Quantity: 5}
	if _, err := repo.ApplyStockDecrease(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if stock, _ := repo.StockQuantity(ctx, pid); stock != 0 {
		t.Fatalf("stock = %d, no debe quedar negativo", stock)
	}
}

func TestApplyStockDecreaseUnknownProduct(t *testing.T) {
	repo := newTestRepo(t)
	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: 999, Quantity: 1}
	if _, err := repo.ApplyStockDecrease(context.Background(), ev); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("quiero ErrProductNotFound, vino %v", err)
	}
}

func TestParkEventAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: 5, Quantity: 2}
	if err := repo.ParkEvent(ctx, ev, "db down"); err != nil {
		t.Fatal(err)
	}
	parked, err := repo.ListParkedEvents(ctx)
	if err != nil || len(parked) != 1 {
		t.Fatalf("aparcados: %+v, %v", parked, err)
	}
	if parked[0].EventID != ev.EventID || parked[0].Reason != "db down" {
		t.Fatalf("aparcado inesperado: %+v", parked[0])
	}
}

func TestReplenishUnknownProduct(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Replenish(context.Background(), 999, 5); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("quiero ErrProductNotFound, vino %v", err)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	if err := repo.Seed(ctx); err != nil {
		t.Fatal(err)
	}
	products, _ := repo.ListProducts(ctx)
	if len(products) == 0 {
		t.Fatal("seed no creo productos")
	}
	if err := repo.Seed(ctx); err != nil {
		t.Fatal(err)
	}
	again, _ := repo.ListProducts(ctx)
	if len(again) != len(products) {
		t.Fatalf("seed duplico productos: %d vs %d", len(again), len(products))
	}
}
