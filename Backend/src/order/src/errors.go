package main

import (
	"errors"
	"fmt"
)

// Fallos que abortan la creacion del pedido y se devuelven al llamador tal
// cual. Todo lo demas (rabbit caido, contador inalcanzable) se trata como
// fallo transitorio del almacen correspondiente.
var (
	ErrMemberNotFound  = errors.New("member no existe")
	ErrProductNotFound = errors.New("producto no existe")
	ErrOrderNotFound   = errors.New("pedido no existe")

	// ErrInvalidRequest marca errores de validacion de entrada (400, no 5xx).
	ErrInvalidRequest = errors.New("solicitud invalida")
)

// ErrInsufficientStock: la cantidad pedida no se puede satisfacer por el
// camino que corresponde al producto.
type ErrInsufficientStock struct {
	ProductID int64
	Requested int32
	Available int32
}

func (e ErrInsufficientStock) Error() string {
	return fmt.Sprintf("stock insuficiente para producto %d (pedido %d, disponible %d)",
		e.ProductID, e.Requested, e.Available)
}

func isInsufficient(err error) bool {
	var e ErrInsufficientStock
	return errors.As(err, &e)
}

// ErrCompensationFailed: una compensacion del camino caliente agoto sus
// reintentos. El contador quedo con menos stock del real y hace falta
// intervencion manual; nunca se traga en silencio.
type ErrCompensationFailed struct {
	ProductID int64
	Quantity  int32
	Cause     error
}

func (e ErrCompensationFailed) Error() string {
	return fmt.Sprintf("compensacion fallida para producto %d (qty %d): %v",
		e.ProductID, e.Quantity, e.Cause)
}

func (e ErrCompensationFailed) Unwrap() error { return e.Cause }
