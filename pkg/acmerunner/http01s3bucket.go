package acmerunner

import (
	"bytes"
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/go-acme/lego/v4/challenge"
)

// presents a ACME challenge token on a webserver by writing it in an S3 bucket. for
// setups where the validation port is served by something that proxies to the bucket.
type S3HTTP01Provider struct {
	s3     s3iface.S3API
	bucket string
}

var _ challenge.Provider = (*S3HTTP01Provider)(nil)

func NewS3HTTP01Provider(bucket string, region string) (*S3HTTP01Provider, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &S3HTTP01Provider{
		s3:     s3.New(sess),
		bucket: bucket,
	}, nil
}

func (h *S3HTTP01Provider) Present(domain string, token string, keyAuth string) error {
	// once we've written the file and returned "ok" to our caller, ACME servers will send request to
	// http://DOMAIN_TO_VALIDATE/.well-known/acme-challenge/TOKEN
	_, err := h.s3.PutObjectWithContext(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(challengeKey(token)),
		Body:   bytes.NewReader([]byte(keyAuth)),
	})
	return err
}

func (h *S3HTTP01Provider) CleanUp(domain string, token string, keyAuth string) error {
	// bucket may have auto-delete, but let's still try to be good citizens.
	_, err := h.s3.DeleteObjectWithContext(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(challengeKey(token)),
	})
	return err
}

func challengeKey(token string) string {
	return "acme-challenge/" + token
}
