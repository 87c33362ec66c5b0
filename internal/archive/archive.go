// internal/archive/archive.go
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/traceledger/internal/config"
	"github.com/javajoker/traceledger/internal/models"
)

// Archiver keeps a durable copy of an operation entry before it is purged.
type Archiver interface {
	Archive(ctx context.Context, entry models.OperationEntry) error
}

// New returns an S3 archiver when AWS credentials are configured, and a
// log-only archiver otherwise.
func New(cfg config.AWSConfig) (Archiver, error) {
	if cfg.AccessKeyID == "" {
		return LogArchiver{}, nil
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewS3Archiver(s3.New(sess), cfg.ArchiveBucket), nil
}

type S3Archiver struct {
	client s3iface.S3API
	bucket string
}

func NewS3Archiver(client s3iface.S3API, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

func (a *S3Archiver) Archive(ctx context.Context, entry models.OperationEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode operation entry: %w", err)
	}

	_, err = a.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(ObjectKey(entry)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]*string{
			"Stage":  aws.String(string(entry.Stage)),
			"Qrcode": aws.String(entry.QRCode),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload operation entry to S3: %w", err)
	}
	return nil
}

// ObjectKey partitions archived entries by completion date.
func ObjectKey(entry models.OperationEntry) string {
	day := entry.UpdatedAt.UTC().Format("2006/01/02")
	name := strings.NewReplacer(":", "_", "/", "_").Replace(entry.Key) + ".json"
	return path.Join("operations", day, name)
}

// LogArchiver only records the purge in the log. Used in local development.
type LogArchiver struct{}

func (LogArchiver) Archive(ctx context.Context, entry models.OperationEntry) error {
	logrus.WithFields(logrus.Fields{
		"operation_key": entry.Key,
		"qr_code":       entry.QRCode,
		"tx_hash":       entry.LedgerRef.TxHash,
	}).Info("Operation entry purged without remote archive")
	return nil
}
