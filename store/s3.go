package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"nutrilens"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ImageStore keeps photos in an S3 bucket under prefix.
type S3ImageStore struct {
	bucket string
	prefix string
	s3     s3Client
}

func NewS3ImageStore(client s3Client, bucket, prefix string) *S3ImageStore {
	return &S3ImageStore{
		bucket: bucket,
		prefix: prefix,
		s3:     client,
	}
}

// Put uploads the photo and returns its s3:// URL.
func (s *S3ImageStore) Put(ctx context.Context, key string, img nutrilens.Image) (string, error) {
	objectKey := s.objectKey(key)
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(img.Data),
		ContentType: aws.String(img.MediaType),
	})
	if err != nil {
		return "", fmt.Errorf("unable to upload image to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, objectKey), nil
}

func (s *S3ImageStore) Load(ctx context.Context, key string) (nutrilens.Image, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nutrilens.Image{}, fmt.Errorf("failed to get image object from S3: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nutrilens.Image{}, fmt.Errorf("failed to read image object: %w", err)
	}

	mediaType := aws.ToString(resp.ContentType)
	if mediaType == "" {
		mediaType = mediaTypeFromKey(key)
	}
	return nutrilens.Image{Data: data, MediaType: mediaType}, nil
}

func (s *S3ImageStore) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}
