// Package warehouse implements the Streaming Batch Loader's downstream
// sink: append-or-create, schema-autodetecting loads into BigQuery, plus
// the single watermark read that drives incremental runs
package warehouse

import (
	"bytes"
	"context"
	json "encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	perr "rangefeed/internal/platform/errors"
	"rangefeed/internal/platform/logger"
	"rangefeed/internal/services/extract/domain"
)

// Options configures the BigQuery-backed Warehouse
type Options struct {
	ProjectID string
	DatasetID string
	TableID   string

	// WatermarkColumn is the column MaxLoadedAt reads; defaults to
	// "_loaded_at", the column Transform stamps onto every record
	WatermarkColumn string
}

// Warehouse satisfies domain.Warehouse against a single BigQuery table
type Warehouse struct {
	client *bigquery.Client
	opt    Options
	log    logger.Logger
}

// New opens a BigQuery client for opt.ProjectID. Close the returned
// Warehouse's underlying client via Close when the run ends
func New(ctx context.Context, opt Options) (*Warehouse, error) {
	if opt.WatermarkColumn == "" {
		opt.WatermarkColumn = "_loaded_at"
	}
	c, err := bigquery.NewClient(ctx, opt.ProjectID)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: open bigquery client")
	}
	return &Warehouse{client: c, opt: opt, log: *logger.Named("warehouse")}, nil
}

// Close releases the underlying BigQuery client
func (w *Warehouse) Close() error { return w.client.Close() }

// LoadBatch submits a load job against the configured table: disposition
// APPEND, CREATE_IF_NEEDED, schema autodetected from the records
// themselves with ALLOW_FIELD_ADDITION so later batches can introduce new
// columns, and blocks until the job completes
func (w *Warehouse) LoadBatch(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	ds := w.client.Dataset(w.opt.DatasetID)
	if err := ds.Create(ctx, nil); err != nil {
		if !isAlreadyExists(err) {
			return 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: create dataset %s", w.opt.DatasetID)
		}
	}

	buf, err := encodeNDJSON(records)
	if err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeJSON, "warehouse: encode records for load job")
	}

	src := bigquery.NewReaderSource(buf)
	src.SourceFormat = bigquery.JSON
	src.AutoDetect = true

	loader := ds.Table(w.opt.TableID).LoaderFrom(src)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.SchemaUpdateOptions = []string{"ALLOW_FIELD_ADDITION"}

	job, err := loader.Run(ctx)
	if err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: submit load job for %s.%s", w.opt.DatasetID, w.opt.TableID)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: wait for load job %s", job.ID())
	}
	if err := status.Err(); err != nil {
		return 0, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: load job %s failed", job.ID())
	}

	w.log.Info().Int("rows", len(records)).Str("dataset", w.opt.DatasetID).Str("table", w.opt.TableID).Str("job_id", job.ID()).Msg("warehouse: batch loaded")
	return len(records), nil
}

// MaxLoadedAt returns the maximum watermark column value currently stored,
// used to resolve an incremental run's starting point. A missing table or
// an empty table both report (nil, nil): the orchestrator falls back to
// its lookback window in either case
func (w *Warehouse) MaxLoadedAt(ctx context.Context) (*time.Time, error) {
	q := w.client.Query(
		"SELECT MAX(" + w.opt.WatermarkColumn + ") AS max_loaded_at FROM `" +
			w.opt.ProjectID + "." + w.opt.DatasetID + "." + w.opt.TableID + "`")
	q.DisableQueryCache = false

	it, err := q.Read(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: query max(%s)", w.opt.WatermarkColumn)
	}

	var row struct {
		MaxLoadedAt bigquery.NullTimestamp `bigquery:"max_loaded_at"`
	}
	if err := it.Next(&row); err != nil {
		if err == iterator.Done {
			return nil, nil
		}
		return nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "warehouse: read max(%s) result", w.opt.WatermarkColumn)
	}
	if !row.MaxLoadedAt.Valid {
		return nil, nil
	}
	t := row.MaxLoadedAt.Timestamp
	return &t, nil
}

// encodeNDJSON renders records as newline-delimited JSON, the source
// format bigquery.JSON load jobs expect
func encodeNDJSON(records []domain.Record) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return nil, err
		}
	}
	return &buf, nil
}

func isAlreadyExists(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 409
	}
	return false
}

func isNotFound(err error) bool {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return apiErr.Code == 404
	}
	return false
}
