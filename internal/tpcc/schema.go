package tpcc

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/k2-platform/k23si/internal/dto"
)

// Schema names and field counts for the handful of TPC-C tables the
// workload touches, a deliberately narrowed slice of the source's full
// warehouse/district/customer/stock/order/orderline/item schema set
// (TPCCDataGen / neworder_schema in tpcc_client.cpp) sized to what NewOrder,
// Payment, OrderStatus, Delivery, and StockLevel actually read or write.
const (
	SchemaWarehouse = "warehouse"
	SchemaDistrict  = "district"
	SchemaCustomer  = "customer"
	SchemaStock     = "stock"
	SchemaOrder     = "order"
	SchemaOrderLine = "orderline"
	SchemaNewOrder  = "neworder"
)

const (
	warehouseFieldCount = 2 // [ytd, name]
	districtFieldCount  = 3 // [ytd, next_o_id, name]
	customerFieldCount  = 4 // [balance, ytd_payment, payment_cnt, name]
	stockFieldCount     = 2 // [quantity, ytd]
	orderFieldCount     = 4 // [c_id, carrier_id, all_local, entry_d]
	orderLineFieldCount = 3 // [i_id, quantity, amount]
	newOrderFieldCount  = 1 // [o_id]
)

const (
	warehouseYTD = 0

	districtYTD     = 0
	districtNextOID = 1

	customerBalance    = 0
	customerYTDPayment = 1
	customerPaymentCnt = 2

	stockQuantity = 0
	stockYTD      = 1

	orderCustomerID = 0
	orderCarrierID  = 1
	orderAllLocal   = 2
	orderEntryDate  = 3

	orderLineItemID   = 0
	orderLineQuantity = 1
	orderLineAmount   = 2

	newOrderOrderID = 0
)

func warehouseKey(wID int32) dto.Key {
	return dto.Key{SchemaName: SchemaWarehouse, PartitionKey: pad(wID), RangeKey: ""}
}

func districtKey(wID, dID int32) dto.Key {
	return dto.Key{SchemaName: SchemaDistrict, PartitionKey: pad(wID), RangeKey: pad(dID)}
}

func customerKey(wID, dID, cID int32) dto.Key {
	return dto.Key{SchemaName: SchemaCustomer, PartitionKey: pad(wID), RangeKey: fmt.Sprintf("%s/%s", pad(dID), pad(cID))}
}

func stockKey(wID, iID int32) dto.Key {
	return dto.Key{SchemaName: SchemaStock, PartitionKey: pad(wID), RangeKey: pad(iID)}
}

func orderKey(wID, dID, oID int32) dto.Key {
	return dto.Key{SchemaName: SchemaOrder, PartitionKey: pad(wID), RangeKey: fmt.Sprintf("%s/%s", pad(dID), pad(oID))}
}

func orderLineKey(wID, dID, oID, lineNum int32) dto.Key {
	return dto.Key{SchemaName: SchemaOrderLine, PartitionKey: pad(wID), RangeKey: fmt.Sprintf("%s/%s/%s", pad(dID), pad(oID), pad(lineNum))}
}

func newOrderKey(wID, dID, oID int32) dto.Key {
	return dto.Key{SchemaName: SchemaNewOrder, PartitionKey: pad(wID), RangeKey: fmt.Sprintf("%s/%s", pad(dID), pad(oID))}
}

// pad zero-pads so lexicographic Key ordering matches numeric ordering,
// needed for OrderStatus's "most recent order" scan and Delivery's oldest
// new-order scan.
func pad(n int32) string {
	return fmt.Sprintf("%010d", n)
}

func encodeInt32(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func decodeInt32(b []byte) int32 {
	if len(b) != 4 {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func encodeFloat64(v float64) []byte {
	return []byte(strconv.FormatFloat(v, 'f', -1, 64))
}

func decodeFloat64(b []byte) float64 {
	f, _ := strconv.ParseFloat(string(b), 64)
	return f
}

