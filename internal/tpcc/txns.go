package tpcc

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/k2-platform/k23si/internal/dto"
)

// NewOrder places an order for cID against district dID of warehouse wID,
// touching the warehouse, district, customer, stock, order, orderline, and
// neworder rows in that order, the same access pattern as the source's
// NewOrderT::run.
func NewOrder(ctx context.Context, txn *Txn, rng *rand.Rand, wID, dID, cID int32, items []int32, maxWarehouses int32) error {
	if _, err := txn.Read(ctx, warehouseKey(wID)); err != nil {
		return fmt.Errorf("tpcc: NewOrder read warehouse: %w", err)
	}

	distRec, err := txn.Read(ctx, districtKey(wID, dID))
	if err != nil {
		return fmt.Errorf("tpcc: NewOrder read district: %w", err)
	}
	nextOID := int32(1)
	if distRec != nil {
		nextOID = decodeInt32(distRec.Value.Fields[districtNextOID]) + 1
	}

	distRow := dto.NewRowStorage(districtFieldCount)
	distRow.Set(districtNextOID, encodeInt32(nextOID))
	if err := txn.Write(ctx, districtKey(wID, dID), distRow, SchemaDistrict, 1, PartialUpdate([]int{districtNextOID})); err != nil {
		return fmt.Errorf("tpcc: NewOrder bump district next_o_id: %w", err)
	}

	if _, err := txn.Read(ctx, customerKey(wID, dID, cID)); err != nil {
		return fmt.Errorf("tpcc: NewOrder read customer: %w", err)
	}

	allLocal := int32(1)
	for i, itemID := range items {
		supplyWID := wID
		if rng.Intn(100) == 0 && maxWarehouses > 1 {
			supplyWID = (wID % maxWarehouses) + 1
			if supplyWID != wID {
				allLocal = 0
			}
		}
		stockRec, err := txn.Read(ctx, stockKey(supplyWID, itemID))
		if err != nil {
			return fmt.Errorf("tpcc: NewOrder read stock: %w", err)
		}
		qty := int32(50)
		if stockRec != nil {
			qty = decodeInt32(stockRec.Value.Fields[stockQuantity])
		}
		qty -= 1
		if qty < 10 {
			qty += 91
		}
		stockRow := dto.NewRowStorage(stockFieldCount)
		stockRow.Set(stockQuantity, encodeInt32(qty))
		if err := txn.Write(ctx, stockKey(supplyWID, itemID), stockRow, SchemaStock, 1, PartialUpdate([]int{stockQuantity})); err != nil {
			return fmt.Errorf("tpcc: NewOrder update stock: %w", err)
		}

		lineRow := dto.NewRowStorage(orderLineFieldCount)
		lineRow.Set(orderLineItemID, encodeInt32(itemID))
		lineRow.Set(orderLineQuantity, encodeInt32(1))
		lineRow.Set(orderLineAmount, encodeFloat64(float64(itemID%5000) / 100.0))
		if err := txn.Write(ctx, orderLineKey(wID, dID, nextOID, int32(i)), lineRow, SchemaOrderLine, 1); err != nil {
			return fmt.Errorf("tpcc: NewOrder write orderline: %w", err)
		}
	}

	orderRow := dto.NewRowStorage(orderFieldCount)
	orderRow.Set(orderCustomerID, encodeInt32(cID))
	orderRow.Set(orderCarrierID, encodeInt32(0))
	orderRow.Set(orderAllLocal, encodeInt32(allLocal))
	orderRow.Set(orderEntryDate, encodeInt32(int32(time.Now().Unix())))
	if err := txn.Write(ctx, orderKey(wID, dID, nextOID), orderRow, SchemaOrder, 1); err != nil {
		return fmt.Errorf("tpcc: NewOrder write order: %w", err)
	}

	newOrderRow := dto.NewRowStorage(newOrderFieldCount)
	newOrderRow.Set(newOrderOrderID, encodeInt32(nextOID))
	if err := txn.Write(ctx, newOrderKey(wID, dID, nextOID), newOrderRow, SchemaNewOrder, 1); err != nil {
		return fmt.Errorf("tpcc: NewOrder write neworder: %w", err)
	}

	return txn.Commit(ctx)
}

// Payment applies a payment from customer cID of district dID/warehouse wID,
// crediting the warehouse and district year-to-date totals and the
// customer's balance, following PaymentT::run.
func Payment(ctx context.Context, txn *Txn, wID, dID, cID int32, amount float64) error {
	whRec, err := txn.Read(ctx, warehouseKey(wID))
	if err != nil {
		return fmt.Errorf("tpcc: Payment read warehouse: %w", err)
	}
	ytd := amount
	if whRec != nil {
		ytd += decodeFloat64(whRec.Value.Fields[warehouseYTD])
	}
	whRow := dto.NewRowStorage(warehouseFieldCount)
	whRow.Set(warehouseYTD, encodeFloat64(ytd))
	if err := txn.Write(ctx, warehouseKey(wID), whRow, SchemaWarehouse, 1, PartialUpdate([]int{warehouseYTD})); err != nil {
		return fmt.Errorf("tpcc: Payment update warehouse ytd: %w", err)
	}

	distRec, err := txn.Read(ctx, districtKey(wID, dID))
	if err != nil {
		return fmt.Errorf("tpcc: Payment read district: %w", err)
	}
	distYTD := amount
	if distRec != nil {
		distYTD += decodeFloat64(distRec.Value.Fields[districtYTD])
	}
	distRow := dto.NewRowStorage(districtFieldCount)
	distRow.Set(districtYTD, encodeFloat64(distYTD))
	if err := txn.Write(ctx, districtKey(wID, dID), distRow, SchemaDistrict, 1, PartialUpdate([]int{districtYTD})); err != nil {
		return fmt.Errorf("tpcc: Payment update district ytd: %w", err)
	}

	custRec, err := txn.Read(ctx, customerKey(wID, dID, cID))
	if err != nil {
		return fmt.Errorf("tpcc: Payment read customer: %w", err)
	}
	balance := -amount
	paymentCnt := int32(1)
	if custRec != nil {
		balance += decodeFloat64(custRec.Value.Fields[customerBalance])
		paymentCnt += decodeInt32(custRec.Value.Fields[customerPaymentCnt])
	}
	custRow := dto.NewRowStorage(customerFieldCount)
	custRow.Set(customerBalance, encodeFloat64(balance))
	custRow.Set(customerYTDPayment, encodeFloat64(amount))
	custRow.Set(customerPaymentCnt, encodeInt32(paymentCnt))
	if err := txn.Write(ctx, customerKey(wID, dID, cID), custRow, SchemaCustomer, 1,
		PartialUpdate([]int{customerBalance, customerYTDPayment, customerPaymentCnt})); err != nil {
		return fmt.Errorf("tpcc: Payment update customer: %w", err)
	}

	return txn.Commit(ctx)
}

// OrderStatus is read-only: it looks up the customer's most recently placed
// order and that order's lines, following OrderStatusT::run.
func OrderStatus(ctx context.Context, txn *Txn, wID, dID, cID, latestOID int32) error {
	if _, err := txn.Read(ctx, customerKey(wID, dID, cID)); err != nil {
		return fmt.Errorf("tpcc: OrderStatus read customer: %w", err)
	}
	if _, err := txn.Read(ctx, orderKey(wID, dID, latestOID)); err != nil {
		return fmt.Errorf("tpcc: OrderStatus read order: %w", err)
	}
	for line := int32(0); line < 5; line++ {
		if _, err := txn.Read(ctx, orderLineKey(wID, dID, latestOID, line)); err != nil {
			return fmt.Errorf("tpcc: OrderStatus read orderline: %w", err)
		}
	}
	return txn.Commit(ctx)
}

// Delivery processes up to batchSize districts' oldest undelivered
// new-order, assigning a carrier and clearing the neworder row, following
// DeliveryT::run.
func Delivery(ctx context.Context, txn *Txn, wID int32, batchSize int32, oldestNewOrder func(dID int32) (int32, bool)) error {
	if batchSize < 1 {
		batchSize = 1
	} else if batchSize > 10 {
		batchSize = 10
	}
	for dID := int32(1); dID <= batchSize; dID++ {
		oID, ok := oldestNewOrder(dID)
		if !ok {
			continue
		}
		if err := txn.Write(ctx, newOrderKey(wID, dID, oID), dto.RowStorage{}, SchemaNewOrder, 1, Delete()); err != nil {
			return fmt.Errorf("tpcc: Delivery clear neworder: %w", err)
		}
		orderRow := dto.NewRowStorage(orderFieldCount)
		orderRow.Set(orderCarrierID, encodeInt32(1+int32(dID%10)))
		if err := txn.Write(ctx, orderKey(wID, dID, oID), orderRow, SchemaOrder, 1, PartialUpdate([]int{orderCarrierID})); err != nil {
			return fmt.Errorf("tpcc: Delivery set carrier: %w", err)
		}
	}
	return txn.Commit(ctx)
}

// StockLevel counts distinct items below a low-stock threshold across the
// last 20 orders of district dID, a read-only range scan over orderline
// and stock, following StockLevelT::run (not part of the original weighted
// mix slice that was distilled into the narrower spec; included here since
// it exercises Query rather than only point Reads).
func StockLevel(ctx context.Context, txn *Txn, sess *Session, wID, dID, latestOID int32, threshold int32) (int, error) {
	startKey := orderLineKey(wID, dID, latestOID-20, 0)
	endKey := orderLineKey(wID, dID, latestOID+1, 0)

	r, err := sess.resolve(ctx, startKey)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Query(ctx, dto.QueryRequest{
		CollectionName: sess.collection,
		PVID:           r.pvid,
		StartKey:       startKey,
		EndKey:         endKey,
		MTR:            txn.mtr,
		Limit:          200,
	})
	if err != nil {
		return 0, err
	}
	if !resp.Status.IsOK() {
		return 0, fmt.Errorf("tpcc: StockLevel scan orderlines: %s", resp.Status.Error())
	}

	low := 0
	seen := make(map[int32]bool)
	for _, row := range resp.Rows {
		itemID := decodeInt32(row.Fields[orderLineItemID])
		if seen[itemID] {
			continue
		}
		seen[itemID] = true
		stockRec, err := txn.Read(ctx, stockKey(wID, itemID))
		if err != nil {
			return 0, err
		}
		if stockRec != nil && decodeInt32(stockRec.Value.Fields[stockQuantity]) < threshold {
			low++
		}
	}
	return low, txn.Commit(ctx)
}
