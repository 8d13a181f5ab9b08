package main

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Notification: evento que viaja por el stream SSE de un suscriptor.
type Notification struct {
	ID      uint64 `json:"id"`
	Kind    string `json:"kind"`
	OrderID int64  `json:"order_id"`
	Message string `json:"message"`
}

// Hub mantiene la conexion viva de cada suscriptor. A lo sumo una conexion
// por id: suscribirse de nuevo cierra la anterior. El canal es best-effort y
// at-most-once: sin conexion abierta (o con el stream saturado) el aviso se
// descarta, aqui no hay buffering ni replay.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	nextID uint64
}

// Subscriber es una conexion abierta. lastEventID lo actualiza el unico
// goroutine que escribe el stream.
type Subscriber struct {
	id          string
	ch          chan Notification
	done        chan struct{}
	closeOnce   sync.Once
	lastEventID uint64
}

// Events: canal de entrega de la conexion.
func (s *Subscriber) Events() <-chan Notification { return s.ch }

// Done se cierra cuando la conexion fue reemplazada o retirada.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) stop() { s.closeOnce.Do(func() { close(s.done) }) }

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*Subscriber)}
}

// Subscribe registra la conexion del suscriptor, reemplazando y cerrando la
// anterior si existia.
func (h *Hub) Subscribe(id string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.subs[id]; ok {
		old.stop()
		log.Info().Str("subscriber", id).Msg("previous connection replaced")
	}
	sub := &Subscriber{
		id:   id,
		ch:   make(chan Notification, 16),
		done: make(chan struct{}),
	}
	h.subs[id] = sub
	return sub
}

// Unsubscribe retira la conexion si sigue siendo la vigente: una conexion
// muerta que se despide tarde no debe tumbar a su reemplazo.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if cur, ok := h.subs[sub.id]; ok && cur == sub {
		delete(h.subs, sub.id)
	}
	h.mu.Unlock()
	sub.stop()
}

// Publish empuja el evento al stream del destinatario. Devuelve false si se
// descarto (sin conexion, conexion cerrandose o stream saturado); descartar
// antes que bloquear al publicador.
func (h *Hub) Publish(target string, n Notification) bool {
	h.mu.Lock()
	sub, ok := h.subs[target]
	if ok {
		h.nextID++
		n.ID = h.nextID
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-sub.done:
		return false
	case sub.ch <- n:
		return true
	default:
		return false
	}
}

// Active: cantidad de conexiones vivas registradas.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
