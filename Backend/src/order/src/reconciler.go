package main

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// stockApplier: lo que el conciliador necesita del almacen durable.
type stockApplier interface {
	ApplyStockDecrease(ctx context.Context, ev StockDecreaseEvent) (bool, error)
	ParkEvent(ctx context.Context, ev StockDecreaseEvent, reason string) error
}

// reconTask viaja por el shard con el ack del mensaje: se confirma al broker
// solo cuando el evento quedo aplicado o aparcado.
type reconTask struct {
	ev   StockDecreaseEvent
	done func()
}

// Reconciler aplica los StockDecreaseEvent del camino caliente a la base
// durable. Un worker por shard y el shard se elige por product_id: los
// eventos de un mismo producto se aplican siempre en serie, productos
// distintos avanzan en paralelo. Es lo que evita que muchas transacciones
// cortas peleen por la misma fila.
type Reconciler struct {
	repo   stockApplier
	cfg    Config
	shards []chan reconTask
	seen   *lru.Cache[string, struct{}]
	ctx    context.Context
	wg     sync.WaitGroup
}

func NewReconciler(repo stockApplier, cfg Config) (*Reconciler, error) {
	if cfg.ReconWorkers < 1 {
		cfg.ReconWorkers = 1
	}
	// cache acotada de event_ids recientes; el corte definitivo de
	// duplicados es el ledger applied_events
	seen, err := lru.New[string, struct{}](4096)
	if err != nil {
		return nil, err
	}
	shards := make([]chan reconTask, cfg.ReconWorkers)
	for i := range shards {
		shards[i] = make(chan reconTask, 64)
	}
	return &Reconciler{repo: repo, cfg: cfg, shards: shards, seen: seen}, nil
}

func (rc *Reconciler) Start(ctx context.Context) {
	rc.ctx = ctx
	for i := range rc.shards {
		rc.wg.Add(1)
		go rc.worker(ctx, rc.shards[i])
	}
}

// Wait espera a que los workers terminen (tras cancelar el contexto).
func (rc *Reconciler) Wait() { rc.wg.Wait() }

// Handle es el punto de entrada desde el consumidor de mensajes. Valida,
// corta duplicados recientes y despacha al shard del producto.
func (rc *Reconciler) Handle(body []byte, done func()) {
	var ev StockDecreaseEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Error().Err(err).Msg("stock.decrease: json invalido, descartado")
		done()
		return
	}
	if ev.EventID == "" || ev.ProductID == 0 || ev.Quantity <= 0 {
		log.Error().Str("event", ev.EventID).Int64("product", ev.ProductID).
			Msg("stock.decrease: evento invalido, descartado")
		done()
		return
	}
	if _, dup := rc.seen.Get(ev.EventID); dup {
		done()
		return
	}
	shard := rc.shards[shardFor(ev.ProductID, len(rc.shards))]
	select {
	case shard <- reconTask{ev: ev, done: done}:
	case <-rc.ctx.Done():
		// apagado: sin ack, el broker lo reentregara
	}
}

func shardFor(productID int64, n int) int {
	if productID < 0 {
		productID = -productID
	}
	return int(productID % int64(n))
}

func (rc *Reconciler) worker(ctx context.Context, in <-chan reconTask) {
	defer rc.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-in:
			rc.apply(ctx, t)
		}
	}
}

// apply reintenta con espera creciente. Agotados los reintentos el evento se
// aparca para revision manual; solo entonces se confirma al broker. Nada se
// pierde en silencio.
func (rc *Reconciler) apply(ctx context.Context, t reconTask) {
	var applied bool
	err := retry(rc.cfg.ReconMaxAttempts, rc.cfg.ReconBaseDelay, func() error {
		var aerr error
		applied, aerr = rc.repo.ApplyStockDecrease(ctx, t.ev)
		return aerr
	})
	switch {
	case err != nil:
		log.Error().Err(err).Str("event", t.ev.EventID).Int64("product", t.ev.ProductID).
			Msg("apply agoto reintentos; evento aparcado")
		if perr := rc.repo.ParkEvent(ctx, t.ev, err.Error()); perr != nil {
			// ni aparcar se pudo: no hay ack, el broker reentrega
			log.Error().Err(perr).Str("event", t.ev.EventID).Msg("park failed")
			return
		}
	case !applied:
		log.Debug().Str("event", t.ev.EventID).Msg("stock.decrease duplicado, ignorado")
	default:
		log.Info().Str("event", t.ev.EventID).Int64("product", t.ev.ProductID).
			Int32("qty", t.ev.Quantity).Msg("stock conciliado")
	}
	rc.seen.Add(t.ev.EventID, struct{}{})
	t.done()
}
