package store

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Options locates the catalog database and the local image directory.
type Options struct {
	Path    string `json:"path" mapstructure:"path"`
	BlobDir string `json:"blob-dir" mapstructure:"blob-dir"`
}

func NewOptions() *Options {
	return &Options{
		Path:    "scooter-ota.db",
		BlobDir: "firmware",
	}
}

func (o *Options) Validate() []error {
	var errs []error
	if o.Path == "" {
		errs = append(errs, fmt.Errorf("--store.path must be set"))
	}
	return errs
}

func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Path, "store.path", o.Path, "Path of the sqlite catalog database.")
	fs.StringVar(&o.BlobDir, "store.blob-dir", o.BlobDir, "Directory holding firmware images when no S3 endpoint is set.")
}

// S3Options configures the S3 compatible firmware bucket.
type S3Options struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"-" mapstructure:"secret-access-key"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Region          string `json:"region" mapstructure:"region"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Bucket: "firmware",
		UseSSL: true,
	}
}

// Enabled reports whether images come from S3 instead of the blob dir.
func (o *S3Options) Enabled() bool {
	return o.Endpoint != ""
}

func (o *S3Options) Validate() []error {
	if !o.Enabled() {
		return nil
	}
	var errs []error
	if o.Bucket == "" {
		errs = append(errs, fmt.Errorf("--s3.bucket must be set when --s3.endpoint is"))
	}
	if o.AccessKeyID == "" || o.SecretAccessKey == "" {
		errs = append(errs, fmt.Errorf("--s3.access-key-id and --s3.secret-access-key must be set when --s3.endpoint is"))
	}
	return errs
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 endpoint (host:port) serving firmware images.")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key id.")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key.")
	fs.StringVar(&o.Bucket, "s3.bucket", o.Bucket, "Bucket holding firmware images.")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region.")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Use TLS for the S3 endpoint.")
}
