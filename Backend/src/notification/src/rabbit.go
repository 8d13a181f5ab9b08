package main

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

type Rabbit struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
	hub  *Hub
}

// Mensajes (mismo shape que publica el servicio order)
type OrderPlacedEvent struct {
	OrderID     int64          `json:"order_id"`
	MemberEmail string         `json:"member_email"`
	Lines       []OrderLineEvt `json:"lines"`
	TotalQty    int64          `json:"total_qty"`
	PlacedUnix  int64          `json:"placed_unix"`
}

type OrderLineEvt struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Qty       int32  `json:"qty"`
}

func NewRabbit(cfg Config, hub *Hub) (*Rabbit, error) {
	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(cfg.RabbitExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	q, err := ch.QueueDeclare(cfg.QOrderPlaced, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, "order.placed", cfg.RabbitExchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Rabbit{cfg: cfg, conn: conn, ch: ch, hub: hub}, nil
}

func (r *Rabbit) Close() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

// StartConsumer empuja cada order.placed al suscriptor admin. El ack va
// despues del push: si el admin no esta conectado el aviso igual se da por
// resuelto, este canal es best-effort por contrato.
func (r *Rabbit) StartConsumer() error {
	msgs, err := r.ch.Consume(r.cfg.QOrderPlaced, "notification-worker", false, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for m := range msgs {
			var ev OrderPlacedEvent
			if err := json.Unmarshal(m.Body, &ev); err != nil {
				log.Error().Err(err).Msg("order.placed: invalid json")
				_ = m.Ack(false)
				continue
			}
			n := Notification{
				Kind:    "order.placed",
				OrderID: ev.OrderID,
				Message: fmt.Sprintf("pedido #%d de %s (%s unidades)",
					ev.OrderID, ev.MemberEmail, humanize.Comma(ev.TotalQty)),
			}
			if !r.hub.Publish(r.cfg.AdminSubscriber, n) {
				log.Debug().Int64("order", ev.OrderID).Msg("sin suscriptor vivo, aviso descartado")
			}
			_ = m.Ack(false)
		}
		log.Warn().Msg("notification consumer stopped")
	}()
	return nil
}
