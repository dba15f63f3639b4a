package upload

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/promptoor/pkg/config"
)

// S3Reader reads uploaded results from S3-compatible storage.
type S3Reader struct {
	log    logrus.FieldLogger
	cfg    *config.S3UploadConfig
	client *s3.Client
}

// NewS3Reader creates a new S3Reader from the given configuration.
func NewS3Reader(
	log logrus.FieldLogger,
	cfg *config.S3UploadConfig,
) *S3Reader {
	return &S3Reader{
		log:    log.WithField("component", "s3-reader"),
		cfg:    cfg,
		client: newS3Client(cfg),
	}
}

// UploadedRuns returns the names of run directories already present under
// prefix/runs/.
func (r *S3Reader) UploadedRuns(ctx context.Context) (map[string]struct{}, error) {
	u := &s3Uploader{cfg: r.cfg}

	prefixes, err := r.ListPrefixes(ctx, u.basePrefix()+"/runs/")
	if err != nil {
		return nil, err
	}

	runs := make(map[string]struct{}, len(prefixes))
	for _, p := range prefixes {
		runs[path.Base(strings.TrimRight(p, "/"))] = struct{}{}
	}

	r.log.WithField("runs", len(runs)).Debug("Listed uploaded runs")

	return runs, nil
}

// ListPrefixes lists immediate "subdirectory" prefixes under the given prefix.
// The prefix should end with "/" (e.g. "promptoor/runs/").
func (r *S3Reader) ListPrefixes(
	ctx context.Context, prefix string,
) ([]string, error) {
	var prefixes []string

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing prefixes under %q: %w", prefix, err)
		}

		for _, cp := range page.CommonPrefixes {
			if cp.Prefix != nil {
				prefixes = append(prefixes, *cp.Prefix)
			}
		}
	}

	return prefixes, nil
}
