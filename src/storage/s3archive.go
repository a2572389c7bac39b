package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"clickstream/src/models"
)

const archiveShards = 16

type S3ArchiveConfig struct {
	Bucket string
	Region string
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint     string
	UsePathStyle bool
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive mirrors exception log appends to object storage as
// snappy-compressed JSON documents, one object per append.
type S3Archive struct {
	client objectPutter
	bucket string
	now    func() time.Time
	newID  func() string
}

var _ ExceptionStore = (*S3Archive)(nil)

func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Archive(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket), nil
}

func newS3Archive(client objectPutter, bucket string) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (a *S3Archive) AppendException(ctx context.Context, event models.Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode archived exception: %w", err)
	}

	key := archiveKey(event, a.now(), a.newID())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(snappy.Encode(nil, raw)),
		ContentType:     aws.String("application/json"),
		ContentEncoding: aws.String("snappy"),
	})
	if err != nil {
		return fmt.Errorf("archive exception %s: %w", event.EventID, err)
	}
	return nil
}

// archiveKey lays objects out as
// exceptions/<shard>/<yyyy>/<mm>/<dd>/<event_id>/<id>.json.sz. The shard is a
// murmur3 hash of event_id so one hot key does not pile up under a single
// prefix. The date comes from received_timestamp, falling back to now.
func archiveKey(event models.Event, now time.Time, id string) string {
	day := now.UTC()
	if event.ReceivedTimestamp != nil {
		day = event.ReceivedTimestamp.UTC()
	}
	shard := murmur3.Sum32([]byte(event.EventID)) % archiveShards
	return fmt.Sprintf("exceptions/%02x/%s/%s/%s.json.sz",
		shard,
		day.Format("2006/01/02"),
		url.PathEscape(event.EventID),
		id,
	)
}

// DecodeArchivedException reverses the object encoding used by S3Archive.
func DecodeArchivedException(body []byte) (models.Event, error) {
	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return models.Event{}, fmt.Errorf("decompress archived exception: %w", err)
	}
	var event models.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return models.Event{}, fmt.Errorf("decode archived exception: %w", err)
	}
	return event, nil
}
