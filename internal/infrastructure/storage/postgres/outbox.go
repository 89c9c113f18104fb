package postgres

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/klauspost/compress/zstd"

	"metaforge/internal/events"
	"metaforge/internal/metadata"
	"metaforge/pkg/logger"
)

// OutboxTable is the transactional outbox.
const OutboxTable = "sys_outbox"

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// CompressionAlgo specifies how a stored payload is encoded.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultMaxRetries is how often the relay retries a message before it
// marks it failed.
const DefaultMaxRetries = 5

// OutboxModel describes sys_outbox as an ordinary model, so the schema
// synchronizer creates and extends it like any other table.
func OutboxModel() (*metadata.Model, error) {
	return metadata.Parse(map[string]any{
		"name":  "outbox_message",
		"table": OutboxTable,
		"fields": []any{
			map[string]any{"name": "message_id", "type": "string", "unique": true, "column_options": map[string]any{"limit": 36}},
			map[string]any{"name": "event", "type": "string"},
			map[string]any{"name": "kind", "type": "string", "column_options": map[string]any{"limit": 32}},
			map[string]any{"name": "model", "type": "string"},
			map[string]any{"name": "record_id", "type": "integer", "column_options": map[string]any{"limit": 8}},
			map[string]any{"name": "field", "type": "string"},
			map[string]any{"name": "payload", "type": "text"},
			map[string]any{"name": "compression", "type": "string", "default": string(CompressionNone), "column_options": map[string]any{"limit": 16}},
			map[string]any{"name": "status", "type": "string", "default": string(OutboxStatusPending), "column_options": map[string]any{"limit": 16}},
			map[string]any{"name": "retry_count", "type": "integer", "default": 0},
			map[string]any{"name": "last_error", "type": "text"},
			map[string]any{"name": "next_retry_at", "type": "datetime"},
			map[string]any{"name": "published_at", "type": "datetime"},
		},
	}, metadata.NewTypeCatalog())
}

// payloadCodec stores payloads as JSON text and compresses large ones with
// zstd, base64-encoded so the column stays text.
type payloadCodec struct {
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	threshold int
}

func newPayloadCodec(threshold int) (*payloadCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &payloadCodec{encoder: encoder, decoder: decoder, threshold: threshold}, nil
}

func (c *payloadCodec) encode(p events.Payload) (string, CompressionAlgo, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("marshal event payload: %w", err)
	}
	if c.threshold <= 0 || len(raw) <= c.threshold {
		return string(raw), CompressionNone, nil
	}
	return base64.StdEncoding.EncodeToString(c.encoder.EncodeAll(raw, nil)), CompressionZstd, nil
}

func (c *payloadCodec) decode(body string, algo CompressionAlgo) (events.Payload, error) {
	var p events.Payload
	raw := []byte(body)
	switch algo {
	case CompressionNone, "":
	case CompressionZstd:
		packed, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return p, fmt.Errorf("decode payload: %w", err)
		}
		if raw, err = c.decoder.DecodeAll(packed, nil); err != nil {
			return p, fmt.Errorf("decompress payload: %w", err)
		}
	default:
		return p, fmt.Errorf("unknown payload compression %q", algo)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}

// OutboxDispatcher writes events to the outbox inside the current write
// transaction, so an event exists exactly when its write commits.
type OutboxDispatcher struct {
	txm     *TxManager
	builder squirrel.StatementBuilderType
	codec   *payloadCodec
}

var _ events.Dispatcher = (*OutboxDispatcher)(nil)

// NewOutboxDispatcher creates an outbox dispatcher. Payloads larger than
// compressThreshold bytes are stored zstd-compressed; zero disables it.
func NewOutboxDispatcher(txm *TxManager, compressThreshold int) (*OutboxDispatcher, error) {
	codec, err := newPayloadCodec(compressThreshold)
	if err != nil {
		return nil, err
	}
	return &OutboxDispatcher{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		codec:   codec,
	}, nil
}

// Dispatch implements events.Dispatcher.
// MUST be called inside a transaction context.
func (d *OutboxDispatcher) Dispatch(ctx context.Context, p events.Payload) error {
	tx := d.txm.GetTx(ctx)
	if tx == nil {
		return fmt.Errorf("outbox publish requires transaction context")
	}

	body, algo, err := d.codec.encode(p)
	if err != nil {
		return err
	}

	sql, args, err := d.builder.Insert(OutboxTable).
		Columns("message_id", "event", "kind", "model", "record_id", "field", "payload", "compression", "status").
		Values(p.ID.String(), p.Event, p.Kind, p.Model, p.RecordID, p.Field, body, string(algo), string(OutboxStatusPending)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// OutboxMessage is one pending row as the relay sees it.
type OutboxMessage struct {
	ID          int64           `db:"id"`
	MessageID   string          `db:"message_id"`
	Payload     string          `db:"payload"`
	Compression CompressionAlgo `db:"compression"`
	RetryCount  int             `db:"retry_count"`
}

// OutboxRelay reads pending messages and forwards them to a dispatcher.
// Rows are claimed with FOR UPDATE SKIP LOCKED, so several relays can run
// side by side.
type OutboxRelay struct {
	txm        *TxManager
	builder    squirrel.StatementBuilderType
	codec      *payloadCodec
	target     events.Dispatcher
	batchSize  int
	maxRetries int
	now        func() time.Time
}

// NewOutboxRelay creates a relay forwarding to target.
func NewOutboxRelay(txm *TxManager, batchSize int, target events.Dispatcher) (*OutboxRelay, error) {
	codec, err := newPayloadCodec(0)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		txm:        txm,
		builder:    squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		codec:      codec,
		target:     target,
		batchSize:  batchSize,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
	}, nil
}

// ProcessBatch forwards one batch of due messages and returns how many were
// published.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	processed := 0
	err := r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		now := r.now().UTC()
		sql, args, err := r.builder.
			Select("id", "message_id", "payload", "compression", "COALESCE(retry_count, 0) AS retry_count").
			From(OutboxTable).
			Where(squirrel.Eq{"status": string(OutboxStatusPending)}).
			Where(squirrel.Or{squirrel.Eq{"next_retry_at": nil}, squirrel.LtOrEq{"next_retry_at": now}}).
			OrderBy("id").
			Limit(uint64(r.batchSize)).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("build outbox fetch: %w", err)
		}

		var messages []OutboxMessage
		if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &messages, sql, args...); err != nil {
			return fmt.Errorf("fetch outbox messages: %w", err)
		}

		for i := range messages {
			if err := r.processMessage(ctx, &messages[i], now); err != nil {
				// Log but continue processing other messages
				logger.Warn(ctx, "outbox message not delivered",
					"message_id", messages[i].MessageID, "retry_count", messages[i].RetryCount+1, "error", err)
				continue
			}
			processed++
		}
		return nil
	})
	return processed, err
}

func (r *OutboxRelay) processMessage(ctx context.Context, msg *OutboxMessage, now time.Time) error {
	p, err := r.codec.decode(msg.Payload, msg.Compression)
	if err == nil {
		// Savepoint per message: a failing target must not poison the batch.
		err = r.txm.RunInTransactionWithOptions(ctx, TxOptions{UseSavepoint: true}, func(ctx context.Context) error {
			return r.target.Dispatch(ctx, p)
		})
	}

	if err != nil {
		retries := msg.RetryCount + 1
		status := OutboxStatusPending
		if retries >= r.maxRetries {
			status = OutboxStatusFailed
		}
		update := map[string]any{
			"retry_count":   retries,
			"last_error":    err.Error(),
			"next_retry_at": now.Add(time.Duration(retries) * time.Minute),
			"status":        string(status),
			"updated_at":    now,
		}
		if updateErr := r.update(ctx, msg.ID, update); updateErr != nil {
			return fmt.Errorf("update failed message: %w", updateErr)
		}
		return err
	}

	return r.update(ctx, msg.ID, map[string]any{
		"status":       string(OutboxStatusPublished),
		"published_at": now,
		"updated_at":   now,
	})
}

func (r *OutboxRelay) update(ctx context.Context, id int64, values map[string]any) error {
	sql, args, err := r.builder.Update(OutboxTable).SetMap(values).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	_, err = r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	return err
}

// Run processes batches every interval until ctx is done. A full batch is
// followed immediately by the next one.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error(ctx, "outbox batch failed", "error", err)
		} else if n > 0 {
			logger.Debug(ctx, "outbox batch published", "count", n)
		}
		if err == nil && n >= r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Prune deletes published messages older than before.
func (r *OutboxRelay) Prune(ctx context.Context, before time.Time) (int64, error) {
	sql, args, err := r.builder.Delete(OutboxTable).
		Where(squirrel.Eq{"status": string(OutboxStatusPublished)}).
		Where(squirrel.Lt{"published_at": before}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox prune: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("prune outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
