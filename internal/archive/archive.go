// Package archive writes aged-out ticks to object storage as parquet files
// before retention removes them.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"marketpulse/internal/clock"
	"marketpulse/internal/config"
	"marketpulse/internal/models"
)

const uploadTimeout = 2 * time.Minute

type tickRecord struct {
	ID        int64   `parquet:"name=id, type=INT64"`
	TokenID   int64   `parquet:"name=token_id, type=INT64"`
	TS        int64   `parquet:"name=ts, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Volume24h float64 `parquet:"name=volume_24h, type=DOUBLE"`
	Spread    float64 `parquet:"name=spread, type=DOUBLE"`
	BestBid   float64 `parquet:"name=best_bid, type=DOUBLE"`
	BestAsk   float64 `parquet:"name=best_ask, type=DOUBLE"`
	Source    string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type memFile struct {
	buffer *bytes.Buffer
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, errors.New("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }

// Uploader stores one object.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

func NewS3Uploader(ctx context.Context, cfg config.ArchiveConfig) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket not configured")
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    map[string]string{"content-type": "parquet"},
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Archiver encodes tick pages and hands them to an Uploader.
type Archiver struct {
	uploader    Uploader
	prefix      string
	compression string
	logger      *zap.Logger
	clock       clock.Clock
}

func New(uploader Uploader, cfg config.ArchiveConfig, logger *zap.Logger, clk clock.Clock) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "ticks"
	}
	return &Archiver{
		uploader:    uploader,
		prefix:      prefix,
		compression: cfg.Compression,
		logger:      logger,
		clock:       clock.OrReal(clk),
	}
}

// ArchiveTicks writes one parquet object holding ticks and returns its key.
func (a *Archiver) ArchiveTicks(ctx context.Context, ticks []models.Tick) (string, error) {
	if len(ticks) == 0 {
		return "", nil
	}
	data, err := Encode(ticks, a.compression)
	if err != nil {
		return "", err
	}
	key := a.key(ticks[0].TS)
	if err := a.uploader.Upload(ctx, key, data); err != nil {
		return "", err
	}
	a.logger.Debug("ticks archived", zap.String("key", key), zap.Int("rows", len(ticks)), zap.Int("bytes", len(data)))
	return key, nil
}

func (a *Archiver) key(first time.Time) string {
	name := fmt.Sprintf("ticks_%s_%s.parquet", a.clock.Now().UTC().Format("20060102150405"), uuid.NewString())
	return path.Join(a.prefix, "date="+first.UTC().Format("2006-01-02"), name)
}

// Encode renders ticks as a parquet file. Missing optional values are 0.
func Encode(ticks []models.Tick, compression string) ([]byte, error) {
	mem := &memFile{buffer: &bytes.Buffer{}}
	pw, err := writer.NewParquetWriter(mem, new(tickRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	switch strings.ToLower(compression) {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}
	for _, t := range ticks {
		rec := tickRecord{
			ID:      int64(t.ID),
			TokenID: int64(t.TokenID),
			TS:      t.TS.UnixMilli(),
			Price:   t.Price.InexactFloat64(),
			Source:  t.Source,
		}
		if t.Volume24h != nil {
			rec.Volume24h = t.Volume24h.InexactFloat64()
		}
		if t.Spread != nil {
			rec.Spread = t.Spread.InexactFloat64()
		}
		if t.BestBid != nil {
			rec.BestBid = t.BestBid.InexactFloat64()
		}
		if t.BestAsk != nil {
			rec.BestAsk = t.BestAsk.InexactFloat64()
		}
		if err := pw.Write(rec); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write tick record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize tick parquet: %w", err)
	}
	return mem.buffer.Bytes(), nil
}
