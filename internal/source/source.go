// Package source reads the main page and route content at startup from local
// files, S3 objects or SSM parameters.
package source

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/wsexec/internal/log"
	"github.com/keithlinneman/wsexec/internal/routes"
	"github.com/keithlinneman/wsexec/internal/xerrors"
)

const DefaultMaxBytes = 1 << 20 // 1 MiB

// S3API is the subset of *s3.Client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// SSMAPI is the subset of *ssm.Client used here.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Options struct {
	Logger log.Logger

	// BaseDir anchors relative file references, normally the settings file directory.
	BaseDir string

	// MaxBytes caps a single piece of content. Zero means DefaultMaxBytes.
	MaxBytes int64

	// Clients override the ones built from AWSConfig. Used by tests.
	S3  S3API
	SSM SSMAPI

	// AWS config (uses default chain if nil, loaded on first remote reference)
	AWSConfig *aws.Config
}

type Fetcher struct {
	opts   Options
	logger log.Logger

	mu  sync.Mutex
	s3  S3API
	ssm SSMAPI
	cfg *aws.Config
}

func NewFetcher(opts Options) *Fetcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Fetcher{opts: opts, logger: opts.Logger, s3: opts.S3, ssm: opts.SSM, cfg: opts.AWSConfig}
}

// Fetch resolves raw and returns its content.
func (f *Fetcher) Fetch(ctx context.Context, raw string) ([]byte, error) {
	ref, err := ParseRef(raw, f.opts.BaseDir)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	var data []byte
	switch ref.Scheme {
	case SchemeS3:
		data, err = f.fetchS3(ctx, ref)
	case SchemeSSM:
		data, err = f.fetchSSM(ctx, ref)
	default:
		data, err = f.fetchFile(ref)
	}
	if err != nil {
		return nil, err
	}

	sum := sha256Hex(data)
	if ref.SHA256 != "" && !digestEqual(sum, ref.SHA256) {
		return nil, xerrors.Newf("checksum mismatch for %s: got %s", ref, sum)
	}

	f.logger.Debug(ctx, "fetched content", "ref", ref.String(), "bytes", len(data), "sha256", sum)
	return data, nil
}

func (f *Fetcher) fetchFile(ref Ref) ([]byte, error) {
	fh, err := os.Open(ref.Path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s", ref.Path)
	}
	defer fh.Close()
	return f.readLimited(fh, ref)
}

func (f *Fetcher) fetchS3(ctx context.Context, ref Ref) ([]byte, error) {
	client, err := f.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object %s", ref)
	}
	defer out.Body.Close()
	if out.ContentLength != nil && *out.ContentLength > f.opts.MaxBytes {
		return nil, xerrors.Newf("%s is %d bytes, limit is %d", ref, *out.ContentLength, f.opts.MaxBytes)
	}
	return f.readLimited(out.Body, ref)
}

func (f *Fetcher) fetchSSM(ctx context.Context, ref Ref) ([]byte, error) {
	client, err := f.ssmClient(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(ref.Path),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", ref.Path)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, xerrors.Newf("SSM parameter %s has no value", ref.Path)
	}
	v := *out.Parameter.Value
	if int64(len(v)) > f.opts.MaxBytes {
		return nil, xerrors.Newf("SSM parameter %s exceeds %d bytes", ref.Path, f.opts.MaxBytes)
	}
	return []byte(v), nil
}

func (f *Fetcher) readLimited(r io.Reader, ref Ref) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.opts.MaxBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read %s", ref)
	}
	if int64(len(data)) > f.opts.MaxBytes {
		return nil, xerrors.Newf("%s exceeds %d bytes", ref, f.opts.MaxBytes)
	}
	return data, nil
}

func (f *Fetcher) awsConfig(ctx context.Context) (aws.Config, error) {
	if f.cfg != nil {
		return *f.cfg, nil
	}
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Config{}, xerrors.Wrap(err, "load AWS config")
	}
	f.cfg = &cfg
	return cfg, nil
}

func (f *Fetcher) s3Client(ctx context.Context) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.s3 == nil {
		cfg, err := f.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		f.s3 = s3.NewFromConfig(cfg)
	}
	return f.s3, nil
}

func (f *Fetcher) ssmClient(ctx context.Context) (SSMAPI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ssm == nil {
		cfg, err := f.awsConfig(ctx)
		if err != nil {
			return nil, err
		}
		f.ssm = ssm.NewFromConfig(cfg)
	}
	return f.ssm, nil
}

// LoadTable fetches every action's content and builds the route table.
// The first failure aborts the load.
func LoadTable(ctx context.Context, f *Fetcher, actions map[string]string) (*routes.Table, error) {
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	sort.Strings(names)

	contents := make(map[string]string, len(actions))
	for _, name := range names {
		ref := actions[name]
		f.logger.Info(ctx, "reading action content", "action", name, "source", ref)
		data, err := f.Fetch(ctx, ref)
		if err != nil {
			return nil, xerrors.Wrapf(err, "action %q", name)
		}
		contents[name] = string(data)
	}

	tbl, err := routes.New(contents)
	if err != nil {
		return nil, err
	}
	f.logger.Info(ctx, "loaded route table", "routes", strings.Join(tbl.Paths(), ","))
	return tbl, nil
}
