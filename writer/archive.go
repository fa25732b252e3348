package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "stateflow/config"
	"stateflow/internal/metrics"
	"stateflow/logger"
	"stateflow/models"
	"stateflow/redisstore"
)

// archiveRow is the parquet schema for one raw history observation.
type archiveRow struct {
	Service   string  `parquet:"name=service, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp float64 `parquet:"name=timestamp, type=DOUBLE"`
	Value     string  `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements source.ParquetFile over a byte buffer so the
// archive can be assembled without touching disk.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// HistoryArchiver periodically snapshots each service's recent raw history
// into parquet files on S3.
type HistoryArchiver struct {
	cfg      appconfig.ArchiveConfig
	store    *redisstore.MetadataStore
	s3Client *s3.Client
	log      *logger.Log
	wg       sync.WaitGroup
}

func NewHistoryArchiver(cfg appconfig.ArchiveConfig, store *redisstore.MetadataStore, log *logger.Log) (*HistoryArchiver, error) {
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	a := &HistoryArchiver{
		cfg:      cfg,
		store:    store,
		s3Client: s3.NewFromConfig(awsCfg),
		log:      log,
	}

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket": cfg.S3.Bucket,
		"region": cfg.S3.Region,
		"prefix": cfg.S3.Prefix,
	}).Info("history archiver initialized")

	return a, nil
}

// Start launches the archive loop. It returns immediately; Stop waits for
// the loop to drain.
func (a *HistoryArchiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

func (a *HistoryArchiver) Stop() {
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("history archiver stopped")
}

func (a *HistoryArchiver) run(ctx context.Context) {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver")
	log.WithFields(logger.Fields{"interval": a.cfg.Interval().String()}).Info("starting archive loop")

	ticker := time.NewTicker(a.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ArchiveOnce(ctx)
		}
	}
}

// ArchiveOnce uploads one parquet snapshot per registered service. A failure
// for one service never blocks the others.
func (a *HistoryArchiver) ArchiveOnce(ctx context.Context) {
	log := a.log.WithComponent("archiver")

	known, err := a.store.ListServices(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list services, skipping archive cycle")
		return
	}

	for _, svc := range known {
		if ctx.Err() != nil {
			return
		}
		entries, err := a.store.ServiceHistory(ctx, svc, a.cfg.WindowHours)
		if err != nil {
			if redisstore.IsCancellation(err) {
				return
			}
			log.WithError(err).WithFields(logger.Fields{"service": string(svc)}).
				Error("failed to read service history")
			continue
		}
		if len(entries) == 0 {
			continue
		}

		batch := models.ArchiveBatch{
			BatchID:   uuid.New().String(),
			Service:   string(svc),
			Entries:   entries,
			Timestamp: time.Now(),
		}

		data, err := buildParquet(batch)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"service": batch.Service}).
				Error("failed to build parquet snapshot")
			continue
		}

		key := a.objectKey(batch)
		if err := a.upload(ctx, key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"bucket": a.cfg.S3.Bucket,
				"s3_key": key,
			}).Error("failed to upload archive snapshot")
			continue
		}

		metrics.IncArchiveWrite()
		logger.IncrementArchiveWrite()
		log.WithFields(logger.Fields{
			"batch_id":  batch.BatchID,
			"service":   batch.Service,
			"s3_key":    key,
			"records":   len(batch.Entries),
			"file_size": len(data),
		}).Info("archived service history")
	}
}

func (a *HistoryArchiver) objectKey(batch models.ArchiveBatch) string {
	ts := batch.Timestamp.UTC()
	return path.Join(
		a.cfg.S3.Prefix,
		fmt.Sprintf("service=%s", batch.Service),
		fmt.Sprintf("%04d/%02d/%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("%s_history_%s_%s.parquet", batch.Service, ts.Format("20060102150405"), batch.BatchID[:8]),
	)
}

func buildParquet(batch models.ArchiveBatch) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(archiveRow), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range batch.Entries {
		row := archiveRow{Service: batch.Service, Timestamp: e.Timestamp, Value: e.Value}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (a *HistoryArchiver) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}
