package tpcc

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Config sizes one workload worker, grounded on the source's
// bpo::options_description flags (-max_warehouses, -delivery_txn_batch_size,
// -num_concurrent_txns).
type Config struct {
	MaxWarehouses     int32
	DeliveryBatchSize int32
	ItemsPerNewOrder  int32
	NewOrderMaxItemID int32
}

// Driver runs the weighted transaction mix against one Session until its
// context is cancelled, tracking per-type counts and latency the way the
// source's Client tracks sm::make_counter/sm::make_histogram metrics, here
// via an otel metric.Meter.
type Driver struct {
	sess *Session
	cfg  Config
	rng  *rand.Rand

	logger *zap.Logger

	completed metric.Int64Counter
	failed    metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewDriver(sess *Session, cfg Config, seed int64, meter metric.Meter, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		sess:   sess,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		logger: logger,
	}
	var err error
	d.completed, err = meter.Int64Counter("tpcc_txns_completed")
	if err != nil {
		return nil, err
	}
	d.failed, err = meter.Int64Counter("tpcc_txns_failed")
	if err != nil {
		return nil, err
	}
	d.latency, err = meter.Float64Histogram("tpcc_txn_latency_seconds")
	if err != nil {
		return nil, err
	}
	return d, nil
}

// txnType mirrors the source's weighted selection in Client::_tpcc.
type txnType int

const (
	txnPayment txnType = iota
	txnOrderStatus
	txnDelivery
	txnNewOrder
	txnStockLevel
)

func (t txnType) String() string {
	switch t {
	case txnPayment:
		return "payment"
	case txnOrderStatus:
		return "order_status"
	case txnDelivery:
		return "delivery"
	case txnNewOrder:
		return "new_order"
	case txnStockLevel:
		return "stock_level"
	default:
		return "unknown"
	}
}

func (d *Driver) pickTxnType() txnType {
	roll := d.rng.Intn(100)
	switch {
	case roll < 43:
		return txnPayment
	case roll < 47:
		return txnOrderStatus
	case roll < 51:
		return txnDelivery
	case roll < 99:
		return txnNewOrder
	default:
		return txnStockLevel
	}
}

// Run drives transactions in a loop until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.RunOne(ctx)
	}
}

// RunOne executes a single randomly-selected transaction and records its
// outcome.
func (d *Driver) RunOne(ctx context.Context) {
	wID := int32(d.rng.Intn(int(d.cfg.MaxWarehouses))) + 1
	tt := d.pickTxnType()

	start := time.Now()
	err := d.dispatch(ctx, tt, wID)
	elapsed := time.Since(start).Seconds()

	d.latency.Record(ctx, elapsed)
	if err != nil {
		d.failed.Add(ctx, 1)
		d.logger.Warn("tpcc: transaction failed", zap.String("type", tt.String()), zap.Error(err))
		return
	}
	d.completed.Add(ctx, 1)
}

func (d *Driver) dispatch(ctx context.Context, tt txnType, wID int32) error {
	dID := int32(d.rng.Intn(10)) + 1
	cID := int32(d.rng.Intn(3000)) + 1

	txn, err := d.sess.Begin(ctx)
	if err != nil {
		return err
	}

	switch tt {
	case txnPayment:
		amount := 1 + d.rng.Float64()*4999
		return Payment(ctx, txn, wID, dID, cID, amount)
	case txnOrderStatus:
		latestOID := int32(d.rng.Intn(3000)) + 1
		return OrderStatus(ctx, txn, wID, dID, cID, latestOID)
	case txnDelivery:
		return Delivery(ctx, txn, wID, d.cfg.DeliveryBatchSize, func(dID int32) (int32, bool) {
			return int32(d.rng.Intn(3000)) + 1, true
		})
	case txnStockLevel:
		latestOID := int32(d.rng.Intn(3000)) + 1
		_, err := StockLevel(ctx, txn, d.sess, wID, dID, latestOID, 10)
		return err
	default:
		items := make([]int32, d.cfg.ItemsPerNewOrder)
		for i := range items {
			items[i] = int32(d.rng.Intn(int(d.cfg.NewOrderMaxItemID))) + 1
		}
		return NewOrder(ctx, txn, d.rng, wID, dID, cID, items, d.cfg.MaxWarehouses)
	}
}
