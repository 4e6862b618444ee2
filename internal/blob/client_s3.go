package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Client wraps the S3 API with the narrow surface the sync loops need:
// paginated listing under a prefix, streaming get, put and delete.
type Client struct {
	s3Client *s3.Client
	config   *S3Config
}

func NewClient(s3Client *s3.Client, config *S3Config) *Client {
	return &Client{
		s3Client: s3Client,
		config:   config,
	}
}

func NewClientWithS3Config(cfg *S3Config) (*Client, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewClient(awsClient, cfg), nil
}

// ListPrefix lists all objects under prefix. maxPages bounds the number of
// listing pages fetched; 0 means unbounded.
func (c *Client) ListPrefix(ctx context.Context, prefix string, maxPages int) ([]*ObjectInfo, error) {
	var objects []*ObjectInfo

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: &c.config.BucketName,
		Prefix: &prefix,
	})

	pages := 0
	for paginator.HasMorePages() {
		if maxPages > 0 && pages >= maxPages {
			return objects, fmt.Errorf("listing for prefix %q exceeded %d pages", prefix, maxPages)
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		pages++

		for _, obj := range page.Contents {
			objects = append(objects, &ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         trimETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}

	return objects, nil
}

func (c *Client) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &c.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}

	return &GetObjectResponse{
		Body:         resp.Body,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         trimETag(aws.ToString(resp.ETag)),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// HeadObject fetches metadata without the body. The uploader uses it after a
// put to record the backend's authoritative modification time.
func (c *Client) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &c.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		return nil, err
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         trimETag(aws.ToString(resp.ETag)),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

func (c *Client) PutObject(ctx context.Context, key string, body io.Reader) (*PutObjectResponse, error) {
	resp, err := c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &c.config.BucketName,
		Key:    &key,
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	return &PutObjectResponse{
		Key:  key,
		ETag: trimETag(aws.ToString(resp.ETag)),
	}, nil
}

func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &c.config.BucketName,
		Key:    &key,
	})
	return err
}

// S3 quotes ETags; the sync layer compares them raw.
func trimETag(etag string) string {
	return strings.ReplaceAll(etag, "\"", "")
}
