package main

// Claves de enrutamiento publicadas por el servicio order
const (
	RKStockDecrease = "stock.decrease"
	RKOrderPlaced   = "order.placed"
)

// StockDecreaseEvent: hecho inmutable, un decremento ya tomado del contador
// rapido y pendiente de aplicar en la base durable. El event_id permite que
// el consumidor ignore entregas duplicadas.
type StockDecreaseEvent struct {
	EventID   string `json:"event_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

// OrderPlacedEvent se emite tras el commit del pedido; lo consume el
// servicio de notificaciones.
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
