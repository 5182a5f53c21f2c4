package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alfredjeanlab/dealroom/internal/model"
)

// DefaultExpiry is how long a presigned handle stays valid.
const DefaultExpiry = time.Hour

// S3Issuer presigns PUT requests against an S3-compatible bucket so the
// archive never passes through the marketplace API.
type S3Issuer struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
	now     func() time.Time
}

// NewS3Issuer loads the default AWS configuration. If endpoint is non-empty,
// path-style addressing is enabled (for MinIO and similar).
func NewS3Issuer(ctx context.Context, bucket, region, endpoint string, expiry time.Duration) (*S3Issuer, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3IssuerFromConfig(cfg, bucket, endpoint, expiry), nil
}

// NewS3IssuerFromConfig builds an issuer from an explicit AWS configuration.
func NewS3IssuerFromConfig(cfg aws.Config, bucket, endpoint string, expiry time.Duration) *S3Issuer {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	s3opts := []func(*s3.Options){
		func(o *s3.Options) {
			// Checksums cannot be computed for a body we have not seen yet.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		},
	}
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(cfg, s3opts...)
	return &S3Issuer{
		presign: s3.NewPresignClient(client, s3.WithPresignExpires(expiry)),
		bucket:  bucket,
		expiry:  expiry,
		now:     time.Now,
	}
}

func (i *S3Issuer) Issue(ctx context.Context, req Request) (*model.UploadHandle, error) {
	key, err := ObjectKey(req.RoomID, req.Name)
	if err != nil {
		return nil, err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(i.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(req.Size),
	}
	if req.ContentType != "" {
		input.ContentType = aws.String(req.ContentType)
	}
	signed, err := i.presign.PresignPutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("s3 presign put object: %w", err)
	}

	headers := make(map[string]string, len(signed.SignedHeader))
	for k, v := range signed.SignedHeader {
		if len(v) == 0 || k == "Host" {
			continue
		}
		headers[k] = v[0]
	}
	return &model.UploadHandle{
		UploadURL: signed.URL,
		Method:    signed.Method,
		Headers:   headers,
		ObjectKey: key,
		ExpiresAt: i.now().Add(i.expiry),
	}, nil
}

// DownloadURL presigns a GET for a committed artifact.
func (i *S3Issuer) DownloadURL(ctx context.Context, objectKey string) (string, error) {
	signed, err := i.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(i.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return "", fmt.Errorf("s3 presign get object: %w", err)
	}
	return signed.URL, nil
}
