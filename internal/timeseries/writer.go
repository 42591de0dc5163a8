// Package timeseries writes block and transaction points to InfluxDB.
package timeseries

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/jfld/web3-fk/internal/config"
	"github.com/jfld/web3-fk/internal/models"
	"github.com/jfld/web3-fk/pkg/utils"
	"github.com/sirupsen/logrus"
)

// Measurements
const (
	MeasurementBlocks       = "blocks"
	MeasurementTransactions = "transactions"
)

// Writer records time-series points for processed data
type Writer interface {
	WriteBlock(ctx context.Context, block *models.Block) error
	WriteTransaction(ctx context.Context, tx *models.Transaction) error
	Ping(ctx context.Context) error
	Close()
}

// New returns an InfluxDB writer when enabled, otherwise a no-op writer
func New(cfg config.TimeseriesConfig) Writer {
	if !cfg.Enabled {
		return NopWriter{}
	}
	return NewInfluxWriter(cfg)
}

// InfluxWriter writes synchronously through the blocking write API so that
// failures surface to the caller
type InfluxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	logger   *logrus.Entry
}

// NewInfluxWriter creates a writer for the configured org and bucket
func NewInfluxWriter(cfg config.TimeseriesConfig) *InfluxWriter {
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(10))
	return &InfluxWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: utils.WithComponent("timeseries").WithFields(logrus.Fields{
			"url":    cfg.URL,
			"bucket": cfg.Bucket,
		}),
	}
}

// BlockPoint converts a block to its point
func BlockPoint(block *models.Block) *write.Point {
	fields := map[string]interface{}{
		"number":    block.Number,
		"tx_count":  block.TxCount,
		"gas_used":  block.GasUsed,
		"gas_limit": block.GasLimit,
		"size":      block.Size,
	}
	if block.Difficulty != nil {
		fields["difficulty"] = block.Difficulty.String()
	}
	if block.BaseFeePerGas != nil {
		fields["base_fee"] = block.BaseFeePerGas.String()
	}
	tags := map[string]string{
		"network": block.Network,
		"miner":   block.Miner,
	}
	return influxdb2.NewPoint(MeasurementBlocks, tags, fields, block.Timestamp)
}

// TransactionPoint converts a transaction to its point
func TransactionPoint(tx *models.Transaction) *write.Point {
	fields := map[string]interface{}{
		"value":            utils.BigOrZero(tx.Value).String(),
		"gas":              tx.Gas,
		"gas_price":        utils.BigOrZero(tx.GasPrice).String(),
		"gas_used":         tx.GasUsed,
		"is_contract":      tx.IsContractCall,
		"is_token":         tx.IsTokenTransfer,
		"transaction_type": int64(tx.TransactionType),
	}
	if tx.MaxFeePerGas != nil {
		fields["max_fee_per_gas"] = tx.MaxFeePerGas.String()
	}
	if tx.MaxPriorityFeePerGas != nil {
		fields["max_priority_fee_per_gas"] = tx.MaxPriorityFeePerGas.String()
	}
	tags := map[string]string{
		"network":      tx.Network,
		"from_address": tx.FromAddress,
	}
	if tx.ToAddress != "" {
		tags["to_address"] = tx.ToAddress
	}
	return influxdb2.NewPoint(MeasurementTransactions, tags, fields, tx.Timestamp)
}

func (w *InfluxWriter) WriteBlock(ctx context.Context, block *models.Block) error {
	if err := w.writeAPI.WritePoint(ctx, BlockPoint(block)); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to write block point", err)
	}
	return nil
}

func (w *InfluxWriter) WriteTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := w.writeAPI.WritePoint(ctx, TransactionPoint(tx)); err != nil {
		return utils.WrapError(utils.ErrCodeDatabase, "Failed to write transaction point", err)
	}
	return nil
}

// Ping checks the server is reachable
func (w *InfluxWriter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := w.client.Ping(ctx)
	if err != nil {
		return utils.WrapError(utils.ErrCodeConnection, "InfluxDB ping failed", err)
	}
	if !ok {
		return utils.NewAppError(utils.ErrCodeConnection, "InfluxDB is not ready")
	}
	return nil
}

func (w *InfluxWriter) Close() {
	w.client.Close()
	w.logger.Info("InfluxDB writer closed")
}

// NopWriter discards all points
type NopWriter struct{}

func (NopWriter) WriteBlock(context.Context, *models.Block) error             { return nil }
func (NopWriter) WriteTransaction(context.Context, *models.Transaction) error { return nil }
func (NopWriter) Ping(context.Context) error                                  { return nil }
func (NopWriter) Close()                                                      {}
