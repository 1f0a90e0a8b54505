package corpus

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SeedS3 lists every object under bucket/prefix and indexes it exactly as
// Seed indexes a local file, letting corpora live in object storage
// instead of (or alongside) a local directory. Credentials are resolved
// through the default AWS credential chain (environment, shared config,
// or instance role); region follows AWS_REGION/AWS_DEFAULT_REGION.
func (s *Seeder) SeedS3(ctx context.Context, bucket, prefix string) (int, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return 0, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)

	var total int
	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return total, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: obj.Key})
			if err != nil {
				continue
			}
			raw, err := io.ReadAll(out.Body)
			out.Body.Close()
			if err != nil {
				continue
			}
			n, err := s.indexDocument(ctx, "s3://"+bucket+"/"+*obj.Key, raw)
			if err == nil {
				total += n
			}
		}
	}
	s.finish(total)
	return total, nil
}
