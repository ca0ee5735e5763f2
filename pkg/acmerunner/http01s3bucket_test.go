package acmerunner

import (
	"io/ioutil"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/function61/gokit/assert"
)

func TestS3HTTP01Provider(t *testing.T) {
	bucket := &fakeBucket{objects: map[string]string{}}

	provider := &S3HTTP01Provider{s3: bucket, bucket: "acme-challenges"}

	assert.Ok(t, provider.Present("example.org", "tok3n", "tok3n.thumbprint"))
	assert.EqualString(t, bucket.objects["acme-challenges/acme-challenge/tok3n"], "tok3n.thumbprint")

	assert.Ok(t, provider.CleanUp("example.org", "tok3n", "tok3n.thumbprint"))
	_, stillThere := bucket.objects["acme-challenges/acme-challenge/tok3n"]
	assert.Assert(t, !stillThere)
}

type fakeBucket struct {
	s3iface.S3API // panics for everything we don't implement
	objects       map[string]string
}

func (f *fakeBucket) PutObjectWithContext(_ aws.Context, input *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	body, err := ioutil.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}

	f.objects[*input.Bucket+"/"+*input.Key] = string(body)

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) DeleteObjectWithContext(_ aws.Context, input *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *input.Bucket+"/"+*input.Key)

	return &s3.DeleteObjectOutput{}, nil
}
