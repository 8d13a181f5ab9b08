package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// fakeApplier: almacen durable controlable para el conciliador.
type fakeApplier struct {
	mu        sync.Mutex
	applyErrs int // cuantos errores antes de aplicar (-1 = siempre)
	applied   []StockDecreaseEvent
	parked    []StockDecreaseEvent
	seen      map[string]bool
}

func (f *fakeApplier) ApplyStockDecrease(ctx context.Context, ev StockDecreaseEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErrs != 0 {
		if f.applyErrs > 0 {
			f.applyErrs--
		}
		return false, errors.New("db down")
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[ev.EventID] {
		return false, nil
	}
	f.seen[ev.EventID] = true
	f.applied = append(f.applied, ev)
	return true, nil
}

func (f *fakeApplier) ParkEvent(ctx context.Context, ev StockDecreaseEvent, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parked = append(f.parked, ev)
	return nil
}

func startReconciler(t *testing.T, applier stockApplier) *Reconciler {
	t.Helper()
	rc, err := NewReconciler(applier, testConfig())
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		rc.Wait()
	})
	return rc
}

// deliver entrega un evento y espera el ack (aplicado o aparcado).
func deliver(t *testing.T, rc *Reconciler, body []byte) {
	t.Helper()
	var wg sync.WaitGroup
	wg.Add(1)
	rc.Handle(body, wg.Done)
	wg.Wait()
}

func marshalEvent(t *testing.T, ev StockDecreaseEvent) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestReconcilerAppliesEvent(t *testing.T) {
	fa := &fakeApplier{}
	rc := startReconciler(t, fa)

	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: 7, Quantity: 3}
	deliver(t, rc, marshalEvent(t, ev))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.applied) != 1 || fa.applied[0].EventID != ev.EventID {
		t.Fatalf("aplicados: %+v", fa.applied)
	}
}

func TestDuplicateDeliveryDecrementsOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	pid, err := repo.CreateProduct(ctx, &Product{Name: "sale", StockQuantity: 10, Hot: true})
	if err != nil {
		t.Fatal(err)
	}
	rc := startReconciler(t, repo)

	body := marshalEvent(t, StockDecreaseEvent{EventID: uuid.NewString(), ProductID: pid, Quantity: 5})
	deliver(t, rc, body)
	deliver(t, rc, body) // entrega duplicada (at-least-once)

	if stock, _ := repo.StockQuantity(ctx, pid); stock != 5 {
		t.Fatalf("stock = %d tras entrega duplicada, quiero 5", stock)
	}
}

func TestParkAfterExhaustedRetries(t *testing.T) {
	fa := &fakeApplier{applyErrs: -1}
	rc := startReconciler(t, fa)

	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: 1, Quantity: 1}
	deliver(t, rc, marshalEvent(t, ev))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.parked) != 1 || fa.parked[0].EventID != ev.EventID {
		t.Fatalf("aparcados: %+v", fa.parked)
	}
	if len(fa.applied) != 0 {
		t.Fatalf("no debio aplicarse nada: %+v", fa.applied)
	}
}

func TestTransientFailureRetriesThenApplies(t *testing.T) {
	fa := &fakeApplier{applyErrs: 2} // dos fallos transitorios, luego aplica
	rc := startReconciler(t, fa)

	ev := StockDecreaseEvent{EventID: uuid.NewString(), ProductID: 2, Quantity: 4}
	deliver(t, rc, marshalEvent(t, ev))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.applied) != 1 {
		t.Fatalf("aplicados = %d, quiero 1 tras reintentos", len(fa.applied))
	}
	if len(fa.parked) != 0 {
		t.Fatalf("nada debio aparcarse: %+v", fa.parked)
	}
}

func TestInvalidPayloadAckedAndDropped(t *testing.T) {
	fa := &fakeApplier{}
	rc := startReconciler(t, fa)

	deliver(t, rc, []byte("esto no es json"))
	deliver(t, rc, marshalEvent(t, StockDecreaseEvent{EventID: "", ProductID: 1, Quantity: 1}))
	deliver(t, rc, marshalEvent(t, StockDecreaseEvent{EventID: uuid.NewString(), ProductID: 1, Quantity: -2}))

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.applied) != 0 || len(fa.parked) != 0 {
		t.Fatalf("eventos invalidos procesados: applied=%d parked=%d", len(fa.applied), len(fa.parked))
	}
}

func TestShardStickyPerProduct(t *testing.T) {
	// mismo producto, siempre el mismo shard: asi los decrementos de un
	// producto se aplican en serie
	for _, n := range []int{1, 2, 4, 8} {
		first := shardFor(42, n)
		for i := 0; i < 10; i++ {
			if got := shardFor(42, n); got != first {
				t.Fatalf("shardFor inestable con n=%d: %d vs %d", n, got, first)
			}
		}
		if first < 0 || first >= n {
			t.Fatalf("shard fuera de rango: %d (n=%d)", first, n)
		}
	}
}
