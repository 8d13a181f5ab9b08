package main

import "time"

// Estados del pedido. Maquina simple: PLACED (inicial) -> CANCELED (terminal)
const (
	OrderStatusUnspecified int32 = 0
	OrderStatusPlaced      int32 = 1
	OrderStatusCanceled    int32 = 2
)

func orderStatusName(st int32) string {
	switch st {
	case OrderStatusPlaced:
		return "PLACED"
	case OrderStatusCanceled:
		return "CANCELED"
	default:
		return "UNSPECIFIED"
	}
}

type Member struct {
	ID          int64  `db:"id"`
	Email       string `db:"email"`
	Name        string `db:"name"`
	CreatedUnix int64  `db:"created_unix"`
}

type Product struct {
	ID            int64  `db:"id"`
	Name          string `db:"name"`
	Category      string `db:"category"`
	StockQuantity int32  `db:"stock_quantity"`
	// Hot: el stock de este producto se lleva en el contador rapido y se
	// concilia despues contra la base. Se decide al crear el producto y
	// queda persistido, no se vuelve a derivar del nombre en cada pedido.
	Hot         bool  `db:"hot"`
	CreatedUnix int64 `db:"created_unix"`
}

type Order struct {
	ID          int64 `db:"id"`
	MemberID    int64 `db:"member_id"`
	Status      int32 `db:"status"`
	CreatedUnix int64 `db:"created_unix"`
	UpdatedUnix int64 `db:"updated_unix"`
	Lines       []OrderLine
}

// OrderLine congela la cantidad al momento del pedido; no se comparte entre
// pedidos y no cambia despues de creada.
type OrderLine struct {
	ID        int64 `db:"id"`
	OrderID   int64 `db:"order_id"`
	ProductID int64 `db:"product_id"`
	Quantity  int32 `db:"quantity"`
}

// OrderLineReq: linea tal como la envia el cliente.
type OrderLineReq struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

func nowUnix() int64 { return time.Now().Unix() }
