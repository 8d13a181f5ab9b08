package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Publisher: lo que el orquestador necesita del canal de mensajes.
type Publisher interface {
	PublishJSON(routingKey string, v any) error
}

// OrderService orquesta la creacion de pedidos: resuelve comprador y
// productos, decide por linea el camino de stock (caliente via contador,
// frio via decremento durable) y persiste el agregado.
type OrderService struct {
	repo    *Repository
	counter StockCounter
	events  Publisher
	cfg     Config
}

func NewOrderService(repo *Repository, counter StockCounter, events Publisher, cfg Config) *OrderService {
	return &OrderService{repo: repo, counter: counter, events: events, cfg: cfg}
}

// hotDecrement: un decremento ya tomado del contador, por si hay que
// devolverlo.
type hotDecrement struct {
	productID int64
	qty       int32
}

// CreateOrder crea el pedido completo o nada. La identidad del comprador
// llega explicita como parametro; aqui no hay contexto de seguridad global.
//
// Lineas calientes: el decremento sale del contador rapido antes de tocar la
// base; si el restante queda negativo, o si cualquier cosa posterior falla,
// todo decremento ya tomado en este lote se compensa ANTES de devolver el
// fallo. Los StockDecreaseEvent se publican solo despues del commit durable:
// un pedido fallido no deja eventos colgando.
//
// Lineas frias: el decremento va dentro de la misma transaccion que inserta
// el pedido (ver Repository.CreateOrder).
func (s *OrderService) CreateOrder(ctx context.Context, buyerEmail string, lines []OrderLineReq) (*Order, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: pedido sin lineas", ErrInvalidRequest)
	}
	for _, ln := range lines {
		if ln.Quantity <= 0 {
			return nil, fmt.Errorf("%w: cantidad invalida para producto %d", ErrInvalidRequest, ln.ProductID)
		}
	}

	member, err := s.repo.MemberByEmail(ctx, buyerEmail)
	if err != nil {
		return nil, err
	}

	o := &Order{MemberID: member.ID, Status: OrderStatusPlaced, CreatedUnix: nowUnix()}
	o.UpdatedUnix = o.CreatedUnix

	var (
		applied  []hotDecrement
		pending  []StockDecreaseEvent
		cold     []OrderLine
		evLines  []OrderLineEvt
		totalQty int64
	)
	for _, ln := range lines {
		product, err := s.repo.ProductByID(ctx, ln.ProductID)
		if err != nil {
			if cerr := s.compensate(ctx, applied); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}

		if product.Hot {
			remaining, err := s.counter.Decrease(ctx, product.ID, ln.Quantity)
			if err != nil {
				if cerr := s.compensate(ctx, applied); cerr != nil {
					return nil, cerr
				}
				return nil, fmt.Errorf("contador de stock: %w", err)
			}
			applied = append(applied, hotDecrement{productID: product.ID, qty: ln.Quantity})
			if remaining < 0 {
				// sobreventa: devolver lo tomado (esta linea incluida)
				avail := remaining + int64(ln.Quantity)
				if avail < 0 {
					avail = 0
				}
				if cerr := s.compensate(ctx, applied); cerr != nil {
					return nil, cerr
				}
				return nil, ErrInsufficientStock{ProductID: product.ID, Requested: ln.Quantity, Available: int32(avail)}
			}
			pending = append(pending, StockDecreaseEvent{
				EventID:   uuid.NewString(),
				ProductID: product.ID,
				Quantity:  ln.Quantity,
			})
		} else {
			cold = append(cold, OrderLine{ProductID: product.ID, Quantity: ln.Quantity})
		}

		o.Lines = append(o.Lines, OrderLine{ProductID: product.ID, Quantity: ln.Quantity})
		evLines = append(evLines, OrderLineEvt{ProductID: product.ID, Name: product.Name, Qty: ln.Quantity})
		totalQty += int64(ln.Quantity)
	}

	oid, err := s.repo.CreateOrder(ctx, o, cold)
	if err != nil {
		if cerr := s.compensate(ctx, applied); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	o.ID = oid
	log.Info().Int64("order", oid).Str("buyer", member.Email).
		Int("hot_lines", len(pending)).Int("cold_lines", len(cold)).
		Msg("order placed")

	// Conciliacion: recien ahora, con el pedido ya comprometido. Si publicar
	// falla tras los reintentos, el contador queda por delante de la base
	// hasta intervencion manual; se deja constancia, no se revierte el pedido.
	for _, ev := range pending {
		if err := retry(s.cfg.CompMaxAttempts, s.cfg.CompBaseDelay, func() error {
			return s.events.PublishJSON(RKStockDecrease, ev)
		}); err != nil {
			log.Error().Err(err).Str("event", ev.EventID).Int64("product", ev.ProductID).
				Msg("publish stock.decrease agoto reintentos; contador adelantado a la base")
		}
	}

	// Aviso best-effort para el notificador; nunca cambia el resultado.
	placed := OrderPlacedEvent{
		OrderID:     oid,
		MemberEmail: member.Email,
		Lines:       evLines,
		TotalQty:    totalQty,
		PlacedUnix:  o.CreatedUnix,
	}
	if err := s.events.PublishJSON(RKOrderPlaced, placed); err != nil {
		log.Warn().Err(err).Int64("order", oid).Msg("publish order.placed failed")
	}
	return o, nil
}

// compensate devuelve al contador los decrementos calientes del lote. Se
// confirma antes de reportar el fallo original: el llamador nunca observa
// stock tomado sin compensacion ya emitida. Reintentos agotados se escalan
// como inconsistencia fatal, no se silencian.
func (s *OrderService) compensate(ctx context.Context, applied []hotDecrement) error {
	for _, d := range applied {
		err := retry(s.cfg.CompMaxAttempts, s.cfg.CompBaseDelay, func() error {
			_, err := s.counter.Increase(ctx, d.productID, d.qty)
			return err
		})
		if err != nil {
			log.Error().Err(err).Int64("product", d.productID).Int32("qty", d.qty).
				Msg("compensacion agoto reintentos; se requiere intervencion manual")
			return ErrCompensationFailed{ProductID: d.productID, Quantity: d.qty, Cause: err}
		}
	}
	return nil
}

// CancelOrder pasa el pedido a CANCELED. Un segundo cancel es no-op. No
// restaura inventario: reponer stock es una operacion separada (Replenish).
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) (*Order, error) {
	return s.repo.CancelOrder(ctx, orderID)
}

// Proyecciones de solo lectura.

func (s *OrderService) ListOrders(ctx context.Context) ([]Order, error) {
	return s.repo.ListOrders(ctx)
}

func (s *OrderService) OrdersForBuyer(ctx context.Context, buyerEmail string) ([]Order, error) {
	member, err := s.repo.MemberByEmail(ctx, buyerEmail)
	if err != nil {
		return nil, err
	}
	return s.repo.ListOrdersByMember(ctx, member.ID)
}

// RegisterMember da de alta un comprador.
func (s *OrderService) RegisterMember(ctx context.Context, email, name string) (int64, error) {
	if email == "" {
		return 0, fmt.Errorf("%w: email requerido", ErrInvalidRequest)
	}
	return s.repo.CreateMember(ctx, email, name)
}

// CreateProduct persiste el producto con su clasificacion hot ya decidida.
// El contador no se toca aqui: se siembra perezosamente desde el stock
// durable en el primer acceso.
func (s *OrderService) CreateProduct(ctx context.Context, p *Product) (int64, error) {
	if p.Name == "" || p.StockQuantity < 0 {
		return 0, fmt.Errorf("%w: producto invalido", ErrInvalidRequest)
	}
	return s.repo.CreateProduct(ctx, p)
}

// Replenish suma stock. Para productos calientes el contador se incrementa
// primero: su siembra perezosa lee el stock durable, y si la base se
// actualizara antes, la reposicion se contaria dos veces.
func (s *OrderService) Replenish(ctx context.Context, productID int64, qty int32) (*Product, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: cantidad de reposicion invalida", ErrInvalidRequest)
	}
	p, err := s.repo.ProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if p.Hot {
		if _, err := s.counter.Increase(ctx, productID, qty); err != nil {
			return nil, fmt.Errorf("reponer contador: %w", err)
		}
	}
	updated, err := s.repo.Replenish(ctx, productID, qty)
	if err != nil {
		if p.Hot {
			if _, derr := s.counter.Decrease(ctx, productID, qty); derr != nil {
				log.Error().Err(derr).Int64("product", productID).
					Msg("no se pudo revertir la reposicion del contador")
			}
		}
		return nil, err
	}
	return updated, nil
}

// retry reintenta con espera creciente entre intentos.
func retry(n int, sleep time.Duration, fn func() error) error {
	if n < 1 {
		n = 1
	}
	var err error
	for i := 0; i < n; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(sleep)
		sleep *= 2
	}
	return err
}
