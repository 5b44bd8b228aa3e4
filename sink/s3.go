package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"coinflow/config"
	"coinflow/internal/metadata"
	"coinflow/logger"
	"coinflow/models"
)

const s3Name = "s3"

// parquetEvent is the row schema of uploaded event files. Common trade
// fields get their own columns; the full payload rides along as JSON.
type parquetEvent struct {
	NaturalKey string  `parquet:"name=natural_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChannelID  string  `parquet:"name=channel_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Kind       string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Sequence   int64   `parquet:"name=sequence, type=INT64"`
	EventTime  int64   `parquet:"name=event_time, type=INT64"`
	ReceivedAt int64   `parquet:"name=received_at, type=INT64"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Size       float64 `parquet:"name=size, type=DOUBLE"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payload    string  `parquet:"name=payload, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile implements source.ParquetFile over a byte buffer so files are
// assembled in memory and shipped with one PutObject.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(name string) (source.ParquetFile, error)  { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error)  { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                { return nil }
func (m *memoryFile) Bytes() []byte               { return m.buffer.Bytes() }

// S3 uploads one parquet object per channel per batch, partitioned by
// channel, date and hour. Object keys derive from the batch, so a retried
// batch overwrites its own objects instead of duplicating them. With the
// catalog enabled, every uploaded object is also registered in Iceberg
// style table metadata under the same prefix.
type S3 struct {
	config  config.S3Config
	version string
	client  *s3.Client
	table   *metadata.Table
	log     *logger.Log
}

// NewS3 loads AWS configuration, validates credentials and builds the sink.
func NewS3(cfg *config.Config) (*S3, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.UsePathStyle
	})

	sink := &S3{
		config:  cfg.Storage.S3,
		version: cfg.App.Version,
		client:  client,
		log:     log,
	}
	if cfg.Storage.S3.Catalog {
		location := "s3://" + cfg.Storage.S3.Bucket
		if prefix := strings.Trim(cfg.Storage.S3.Prefix, "/"); prefix != "" {
			location += "/" + prefix
		}
		sink.table = metadata.NewTable(location, cfg.App.Name+"_events")
	}

	log.WithComponent("sink_s3").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.UsePathStyle,
		"catalog":    cfg.Storage.S3.Catalog,
	}).Info("s3 sink initialized")

	return sink, nil
}

func (s *S3) Name() string { return s3Name }

func (s *S3) Upsert(ctx context.Context, batch *models.Batch) error {
	byChannel := make(map[string][]*models.MarketEvent)
	var order []string
	for _, event := range batch.Events {
		if _, seen := byChannel[event.ChannelID]; !seen {
			order = append(order, event.ChannelID)
		}
		byChannel[event.ChannelID] = append(byChannel[event.ChannelID], event)
	}

	for _, channelID := range order {
		events := byChannel[channelID]
		data, err := s.buildParquet(events)
		if err != nil {
			return Permanent(s3Name, "build parquet", err)
		}
		key := s.eventObjectKey(channelID, batch)
		if err := s.upload(ctx, key, data, "application/octet-stream"); err != nil {
			return Transient(s3Name, "put object", err)
		}
		s.log.WithComponent("sink_s3").WithFields(logger.Fields{
			"key":       key,
			"events":    len(events),
			"file_size": len(data),
		}).Debug("uploaded event object")

		if s.table != nil {
			ts := batch.CreatedAt.UTC()
			df := metadata.DataFile{
				Path:        fmt.Sprintf("s3://%s/%s", s.config.Bucket, key),
				FileSize:    int64(len(data)),
				RecordCount: int64(len(events)),
				Partition: map[string]any{
					"channel": channelID,
					"date":    ts.Format("2006-01-02"),
					"hour":    ts.Hour(),
				},
				Timestamp: ts,
			}
			if err := s.updateCatalog(ctx, df); err != nil {
				return Transient(s3Name, "update catalog", err)
			}
		}
	}

	if len(batch.Gaps) > 0 {
		data, err := json.Marshal(struct {
			BatchID string              `json:"batch_id"`
			Gaps    []*models.GapRecord `json:"gaps"`
		}{BatchID: batch.ID, Gaps: batch.Gaps})
		if err != nil {
			return Permanent(s3Name, "encode gaps", err)
		}
		key := s.gapObjectKey(batch)
		if err := s.upload(ctx, key, data, "application/json"); err != nil {
			return Transient(s3Name, "put object", err)
		}
	}

	return nil
}

func (s *S3) Close() error { return nil }

func (s *S3) buildParquet(events []*models.MarketEvent) ([]byte, error) {
	file := newMemoryFile()
	pw, err := writer.NewParquetWriter(file, new(parquetEvent), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch s.config.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "zstd":
		pw.CompressionType = parquet.CompressionCodec_ZSTD
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, event := range events {
		row, err := parquetRow(event)
		if err != nil {
			pw.WriteStop()
			return nil, err
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return file.Bytes(), nil
}

func parquetRow(event *models.MarketEvent) (parquetEvent, error) {
	payload, err := eventPayload(event)
	if err != nil {
		return parquetEvent{}, err
	}
	row := parquetEvent{
		NaturalKey: event.NaturalKey(),
		ChannelID:  event.ChannelID,
		Symbol:     event.Symbol,
		Kind:       string(event.Kind),
		EventTime:  event.EventTime.UnixMilli(),
		ReceivedAt: event.ReceivedAt.UnixMilli(),
		Payload:    string(payload),
	}
	if event.Sequence != nil {
		row.Sequence = int64(*event.Sequence)
	}
	if event.Trade != nil {
		row.Price = event.Trade.Price
		row.Size = event.Trade.Size
		row.Side = event.Trade.Side
	}
	return row, nil
}

func (s *S3) eventObjectKey(channelID string, batch *models.Batch) string {
	ts := batch.CreatedAt.UTC()
	parts := s.keyPrefix()
	parts = append(parts,
		"events",
		fmt.Sprintf("channel=%s", channelID),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("%s_%s.parquet", ts.Format("20060102T150405"), shortID(batch.ID)),
	)
	return path.Join(parts...)
}

func (s *S3) gapObjectKey(batch *models.Batch) string {
	ts := batch.CreatedAt.UTC()
	parts := s.keyPrefix()
	parts = append(parts,
		"gaps",
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("%s_%s.json", ts.Format("20060102T150405"), shortID(batch.ID)),
	)
	return path.Join(parts...)
}

func (s *S3) keyPrefix() []string {
	if s.config.Prefix == "" {
		return nil
	}
	return []string{strings.Trim(s.config.Prefix, "/")}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// updateCatalog registers an uploaded object and writes the refreshed
// metadata documents next to the data files.
func (s *S3) updateCatalog(ctx context.Context, df metadata.DataFile) error {
	objects, err := s.table.AddFile(df)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.upload(ctx, s.metadataKey(obj.Key), obj.Body, "application/json"); err != nil {
			return err
		}
	}
	return nil
}

func (s *S3) metadataKey(relative string) string {
	return path.Join(append(s.keyPrefix(), relative)...)
}

func (s *S3) upload(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"coinflow-version": s.version,
			"compression":      s.config.Compression,
		},
	}

	// Let an in-flight upload finish even when the app is shutting down.
	_, err := s.client.PutObject(context.WithoutCancel(ctx), input)
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", s.config.Bucket, key, err)
	}
	return nil
}
