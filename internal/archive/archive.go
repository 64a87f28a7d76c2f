// Package archive hands a JSON snapshot of every submitted package to the
// document archival system through its S3-compatible drop bucket.
// Retention and retrieval belong to that system.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Snapshot is the archived view of a submission and its forms.
type Snapshot struct {
	SubmissionID string         `json:"submissionId"`
	ClientID     string         `json:"clientId"`
	Notes        string         `json:"submissionNotes"`
	SubmittedBy  string         `json:"submittedBy"`
	SubmittedAt  time.Time      `json:"submittedAt"`
	Forms        []FormSnapshot `json:"forms"`
}

type FormSnapshot struct {
	FormType             string         `json:"formType"`
	Status               string         `json:"status"`
	Priority             string         `json:"priority"`
	CompletionPercentage int            `json:"completionPercentage"`
	Payload              map[string]any `json:"payload"`
	CompletedBy          string         `json:"completedBy,omitempty"`
	CompletedAt          *time.Time     `json:"completedAt,omitempty"`
}

type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type S3Archive struct {
	client objectPutter
	bucket string
}

// NewS3Archive connects to the endpoint and creates the bucket if needed.
func NewS3Archive(ctx context.Context, opts Options) (*S3Archive, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	return &S3Archive{client: client, bucket: opts.Bucket}, nil
}

func ObjectKey(clientID, submissionID string) string {
	return path.Join(clientID, submissionID+".json")
}

func Encode(snapshot Snapshot) ([]byte, error) {
	if snapshot.Forms == nil {
		snapshot.Forms = []FormSnapshot{}
	}
	encoded, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return encoded, nil
}

// Store uploads the snapshot and returns its object key.
func (a *S3Archive) Store(ctx context.Context, snapshot Snapshot) (string, error) {
	encoded, err := Encode(snapshot)
	if err != nil {
		return "", err
	}
	key := ObjectKey(snapshot.ClientID, snapshot.SubmissionID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(encoded), int64(len(encoded)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"client-id":     snapshot.ClientID,
			"submission-id": snapshot.SubmissionID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("upload snapshot %s: %w", key, err)
	}
	return key, nil
}
