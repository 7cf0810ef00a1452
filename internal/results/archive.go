package results

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

	"github.com/signalsfoundry/vanet-simulator/internal/logging"
)

// ArchiveOptions locates the S3-compatible bucket results are archived to.
type ArchiveOptions struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access-key-id"`
	SecretAccessKey string `mapstructure:"secret-access-key"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	UseSSL          bool   `mapstructure:"use-ssl"`
}

// objectStore is the part of the MinIO client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64,
		opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archive buffers a run's results and uploads them as one JSON document
// when flushed.
type Archive struct {
	*Memory
	store  objectStore
	bucket string
	prefix string
	log    logging.Logger
	now    func() time.Time
}

// NewMinIOArchive creates an archive backed by a MinIO client.
func NewMinIOArchive(opts ArchiveOptions, log logging.Logger) (*Archive, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is empty")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return newArchive(client, opts, log), nil
}

func newArchive(store objectStore, opts ArchiveOptions, log logging.Logger) *Archive {
	if log == nil {
		log = logging.Noop()
	}
	return &Archive{
		Memory: NewMemory(),
		store:  store,
		bucket: opts.Bucket,
		prefix: opts.Prefix,
		log:    log,
		now:    time.Now,
	}
}

type archivedRun struct {
	RunID       string             `json:"run_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	Nodes       []archivedNodeData `json:"nodes"`
}

type archivedNodeData struct {
	NodeID  int                `json:"node_id"`
	Scalars map[string]float64 `json:"scalars"`
}

// ObjectKey is where the run's document is stored.
func (a *Archive) ObjectKey(runID string) string {
	return path.Join(a.prefix, "runs", runID+".json")
}

// Flush creates the bucket when missing and uploads the run document.
func (a *Archive) Flush(ctx context.Context) error {
	results := a.Results()
	if len(results) == 0 {
		return nil
	}
	runID := logging.RunIDFromContext(ctx)
	if runID == "" {
		runID = "unknown"
	}

	doc := archivedRun{RunID: runID, GeneratedAt: a.now().UTC()}
	for _, r := range results {
		node := archivedNodeData{NodeID: r.NodeID, Scalars: make(map[string]float64, len(r.Scalars))}
		for _, s := range r.Scalars {
			node.Scalars[s.Name] = s.Value
		}
		doc.Nodes = append(doc.Nodes, node)
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		a.log.Info(ctx, "bucket does not exist, creating", logging.String("bucket", a.bucket))
		if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	key := a.ObjectKey(runID)
	info, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.log.Info(ctx, "results archived",
		logging.String("bucket", a.bucket),
		logging.String("key", key),
		logging.Int("bytes", int(info.Size)),
	)
	return nil
}
