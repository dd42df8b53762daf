// Package archive exports a billing period's ledger to S3 as zstd-compressed
// JSON lines, next to a small JSON manifest.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"sponsorscout/internal/billing"
	"sponsorscout/internal/types"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	encodingZstd     = "zstd"
)

// ErrEmptyPeriod is returned when a period has no ledger entries.
var ErrEmptyPeriod = errors.New("archive: no ledger entries for period")

// ObjectStore is the subset of the S3 client the archive uses.
type ObjectStore interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Manifest describes one archived period.
type Manifest struct {
	Period     string    `json:"period"`
	Entries    int       `json:"entries"`
	Bytes      int       `json:"bytes"`
	SHA256     string    `json:"sha256"`
	Users      int       `json:"users"`
	ExportedAt time.Time `json:"exported_at"`
}

type Exporter struct {
	ledger billing.LedgerStore
	store  ObjectStore
	bucket string
	clock  types.Clock
	logger *slog.Logger
}

func NewExporter(ledger billing.LedgerStore, store ObjectStore, bucket string, clock types.Clock, logger *slog.Logger) *Exporter {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{ledger: ledger, store: store, bucket: bucket, clock: clock, logger: logger}
}

// DataKey is the object key of a period's entries.
func DataKey(period string) string { return "ledger/" + period + ".jsonl.zst" }

// ManifestKey is the object key of a period's manifest.
func ManifestKey(period string) string { return "ledger/" + period + ".manifest.json" }

// Export writes the period's ledger and its manifest. Re-running it
// overwrites both objects with the same content.
func (e *Exporter) Export(ctx context.Context, period string) (*Manifest, error) {
	if _, err := billing.ParsePeriodKey(period); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPeriod, "period must be YYYY-MM", err)
	}

	entries, err := e.ledger.ListByPeriod(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("archive: list ledger %s: %w", period, err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyPeriod
	}

	data, err := encode(entries)
	if err != nil {
		return nil, fmt.Errorf("archive: encode %s: %w", period, err)
	}
	sum := sha256.Sum256(data)
	users := make(map[string]struct{})
	for _, en := range entries {
		users[en.UserID] = struct{}{}
	}
	m := &Manifest{
		Period:     period,
		Entries:    len(entries),
		Bytes:      len(data),
		SHA256:     hex.EncodeToString(sum[:]),
		Users:      len(users),
		ExportedAt: e.clock.Now(),
	}
	manifest, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("archive: encode manifest: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.put(gctx, DataKey(period), data, contentTypeJSONL, encodingZstd)
	})
	g.Go(func() error {
		return e.put(gctx, ManifestKey(period), manifest, "application/json", "")
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "ledger period archived",
		"period", period,
		"bucket", e.bucket,
		"key", DataKey(period),
		"entries", m.Entries,
		"bytes", m.Bytes,
	)
	return m, nil
}

func (e *Exporter) put(ctx context.Context, key string, body []byte, contentType, encoding string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(e.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	}
	if encoding != "" {
		in.ContentEncoding = aws.String(encoding)
	}
	if _, err := e.store.PutObject(ctx, in); err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", e.bucket, key, err)
	}
	return nil
}

// Read loads an archived period back into ledger entries.
func (e *Exporter) Read(ctx context.Context, period string) ([]types.LedgerEntry, error) {
	out, err := e.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(DataKey(period)),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get s3://%s/%s: %w", e.bucket, DataKey(period), err)
	}
	defer out.Body.Close()
	return decode(out.Body)
}

func encode(entries []types.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(zw)
	for _, en := range entries {
		if err := enc.Encode(en); err != nil {
			_ = zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(r io.Reader) ([]types.LedgerEntry, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("archive: zstd reader: %w", err)
	}
	defer zr.Close()

	var entries []types.LedgerEntry
	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var en types.LedgerEntry
		if err := json.Unmarshal(sc.Bytes(), &en); err != nil {
			return nil, fmt.Errorf("archive: line %d: %w", len(entries)+1, err)
		}
		entries = append(entries, en)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("archive: read: %w", err)
	}
	return entries, nil
}
