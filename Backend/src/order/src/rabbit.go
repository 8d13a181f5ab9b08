package main

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewRabbit(url, exchange string) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange}, nil
}

func (r *Rabbit) Close() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *Rabbit) PublishJSON(routingKey string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(context.Background(), r.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// DeliveryHandler recibe el cuerpo y un done que confirma (ack) el mensaje.
// El handler es dueno de llamar a done cuando el mensaje quedo resuelto:
// aplicado, aparcado o descartado por invalido. Asi el ack no se adelanta al
// trabajo y la entrega sigue siendo at-least-once.
type DeliveryHandler func(body []byte, done func())

// ConsumeQueue consume una cola durable ligada a la clave dada.
func (r *Rabbit) ConsumeQueue(ctx context.Context, queueName, routingKey string, handler DeliveryHandler) error {
	q, err := r.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := r.ch.QueueBind(q.Name, routingKey, r.exchange, false, nil); err != nil {
		return err
	}
	msgs, err := r.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					log.Warn().Str("queue", queueName).Msg("consumer channel closed")
					return
				}
				handler(d.Body, func() { _ = d.Ack(false) })
			}
		}
	}()
	return nil
}
