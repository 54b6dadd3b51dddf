package s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the connection settings of the archive object store.
type Config struct {
	// "http://127.0.0.1:9000" for a local minio. Empty targets AWS proper.
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
}

// Connect opens an S3 client for the configured endpoint.
func Connect(config Config) *awss3.Client {
	return awss3.NewFromConfig(aws.Config{Region: config.Region}, func(o *awss3.Options) {
		if config.HostEndpointUrl != "" {
			// Self-hosted endpoints address buckets by path, not by subdomain.
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
			o.UsePathStyle = true
		}
		if config.Username != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		}
	})
}
