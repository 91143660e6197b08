// Package s3provider adapts an S3-compatible bucket to the
// provider.Provider capability surface (spec §4.7), reusing
// aws-sdk-go v1 the same way backend/s3/s3.go builds and drives its
// client (session.NewSessionWithOptions, *s3.S3, *WithContext calls).
package s3provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"repertory/internal/apierror"
	"repertory/internal/apipath"
	"repertory/internal/models"
	"repertory/internal/provider"
)

func init() {
	provider.Register("s3", New)
}

// Options is the S3Config sub-object of config.json (spec §6), tagged
// the way backend/s3/s3.go's Options struct is.
type Options struct {
	Bucket          string `config:"bucket" json:"bucket"`
	Region          string `config:"region" json:"region"`
	Endpoint        string `config:"endpoint" json:"endpoint"`
	AccessKeyID     string `config:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `config:"secret_access_key" json:"secret_access_key"`
	UsePathStyle    bool   `config:"use_path_style" json:"use_path_style"`
	Prefix          string `config:"prefix" json:"prefix"`
}

// Provider implements provider.Provider against a single S3 bucket.
type Provider struct {
	opt    Options
	client *s3.S3
}

// New builds a Provider from the raw S3Config JSON blob.
func New(rawConfig []byte) (provider.Provider, error) {
	var opt Options
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &opt); err != nil {
			return nil, fmt.Errorf("s3provider: decoding S3Config: %w", err)
		}
	}
	if opt.Bucket == "" {
		return nil, fmt.Errorf("s3provider: S3Config.bucket is required")
	}

	cfg := aws.NewConfig().
		WithS3ForcePathStyle(opt.UsePathStyle).
		WithRegion(opt.Region)
	if opt.Endpoint != "" {
		cfg = cfg.WithEndpoint(opt.Endpoint)
	}
	if opt.AccessKeyID != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opt.AccessKeyID, opt.SecretAccessKey, ""))
	}

	sess, err := session.NewSessionWithOptions(session.Options{Config: *cfg})
	if err != nil {
		return nil, fmt.Errorf("s3provider: creating session: %w", err)
	}

	return &Provider{opt: opt, client: s3.New(sess)}, nil
}

func (p *Provider) Name() string { return "s3" }

func (p *Provider) key(apiPath string) string {
	rel := strings.TrimPrefix(apipath.Format(apiPath), "/")
	if p.opt.Prefix != "" {
		return strings.TrimSuffix(p.opt.Prefix, "/") + "/" + rel
	}
	return rel
}

func (p *Provider) GetFilesystemItem(ctx provider.StopToken, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	if directory {
		return &models.FilesystemItem{
			ApiPath:   apipath.Format(apiPath),
			ApiParent: apipath.Parent(apiPath),
			Directory: true,
		}, nil
	}

	out, err := p.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apierror.New(apierror.ItemNotFound, err)
		}
		return nil, apierror.New(apierror.CommError, err)
	}

	size := uint64(0)
	if out.ContentLength != nil {
		size = uint64(*out.ContentLength)
	}
	return &models.FilesystemItem{
		ApiPath:   apipath.Format(apiPath),
		ApiParent: apipath.Parent(apiPath),
		Directory: false,
		Size:      size,
	}, nil
}

func isNotFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
	}
	return false
}

func (p *Provider) GetItemMeta(ctx provider.StopToken, apiPath string) (models.FileMeta, *apierror.Error) {
	out, err := p.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, apierror.New(apierror.ItemNotFound, err)
		}
		return nil, apierror.New(apierror.CommError, err)
	}
	meta := models.FileMeta{}
	for k, v := range out.Metadata {
		if v != nil {
			meta[k] = *v
		}
	}
	return meta, nil
}

func (p *Provider) GetItemMetaValue(ctx provider.StopToken, apiPath, key string) (string, *apierror.Error) {
	meta, aerr := p.GetItemMeta(ctx, apiPath)
	if aerr != nil {
		return "", aerr
	}
	return meta[key], nil
}

func (p *Provider) SetItemMeta(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	metadata := map[string]*string{}
	for k, v := range meta {
		val := v
		metadata[k] = &val
	}
	_, err := p.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(p.opt.Bucket),
		Key:               aws.String(p.key(apiPath)),
		CopySource:        aws.String(p.opt.Bucket + "/" + p.key(apiPath)),
		Metadata:          metadata,
		MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	return nil
}

func (p *Provider) SetItemMetaValue(ctx provider.StopToken, apiPath, key, value string) *apierror.Error {
	meta, aerr := p.GetItemMeta(ctx, apiPath)
	if aerr != nil {
		return aerr
	}
	if meta == nil {
		meta = models.FileMeta{}
	}
	meta[key] = value
	return p.SetItemMeta(ctx, apiPath, meta)
}

// ReadFileBytes fetches [offset, offset+size) via an S3 ranged GET and
// fills buf to exactly len(buf), per spec §4.7.
func (p *Provider) ReadFileBytes(ctx provider.StopToken, apiPath string, size, offset uint64, buf []byte) *apierror.Error {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", offset, offset+size-1)
	out, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		if ctx.Err() != nil {
			return apierror.New(apierror.DownloadStopped, err)
		}
		if isNotFound(err) {
			return apierror.New(apierror.ItemNotFound, err)
		}
		return apierror.New(apierror.DownloadFailed, err)
	}
	defer out.Body.Close()

	data, err := ioutil.ReadAll(out.Body)
	if err != nil {
		return apierror.New(apierror.DownloadFailed, err)
	}
	if uint64(len(data)) != size || uint64(len(buf)) < size {
		return apierror.New(apierror.FileSizeMismatch, fmt.Errorf("expected %d bytes, got %d", size, len(data)))
	}
	copy(buf, data)
	return nil
}

func (p *Provider) UploadFile(ctx provider.StopToken, apiPath, sourcePath string) *apierror.Error {
	data, err := ioutil.ReadFile(sourcePath)
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		if ctx.Err() != nil {
			return apierror.New(apierror.UploadStopped, err)
		}
		return apierror.New(apierror.UploadFailed, err)
	}
	return nil
}

func (p *Provider) CreateFile(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	metadata := map[string]*string{}
	for k, v := range meta {
		val := v
		metadata[k] = &val
	}
	_, err := p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(p.opt.Bucket),
		Key:      aws.String(p.key(apiPath)),
		Body:     bytes.NewReader(nil),
		Metadata: metadata,
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	return nil
}

func (p *Provider) CreateDirectory(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	key := strings.TrimSuffix(p.key(apiPath), "/") + "/"
	_, err := p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	return nil
}

func (p *Provider) RemoveFile(ctx provider.StopToken, apiPath string) *apierror.Error {
	_, err := p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(p.key(apiPath)),
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	return nil
}

func (p *Provider) RemoveDirectory(ctx provider.StopToken, apiPath string) *apierror.Error {
	key := strings.TrimSuffix(p.key(apiPath), "/") + "/"
	_, err := p.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.opt.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	return nil
}

func (p *Provider) RenameFile(ctx provider.StopToken, from, to string) *apierror.Error {
	_, err := p.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.opt.Bucket),
		Key:        aws.String(p.key(to)),
		CopySource: aws.String(p.opt.Bucket + "/" + p.key(from)),
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	return p.RemoveFile(ctx, from)
}

func (p *Provider) SupportsRename() bool     { return true }
func (p *Provider) SupportsRangedRead() bool { return true }

// GetDirectoryItems lists apiPath's immediate children with a
// delimited ListObjectsV2 call, the same "Prefix+Delimiter" idiom
// backend/s3/s3.go's List uses to avoid a full-bucket recursive scan.
func (p *Provider) GetDirectoryItems(ctx provider.StopToken, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	prefix := p.key(apiPath)
	if prefix != "" {
		prefix = strings.TrimSuffix(prefix, "/") + "/"
	}

	var items []models.DirectoryItem
	err := p.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(p.opt.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), prefix), "/")
			items = append(items, models.DirectoryItem{
				ApiPath:   apipath.Join(apiPath, name),
				Directory: true,
			})
		}
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if key == prefix {
				continue
			}
			name := strings.TrimPrefix(key, prefix)
			items = append(items, models.DirectoryItem{
				ApiPath: apipath.Join(apiPath, name),
				Size:    uint64(aws.Int64Value(obj.Size)),
			})
		}
		return true
	})
	if err != nil {
		return nil, apierror.New(apierror.CommError, err)
	}
	return items, nil
}

// IsDirectOnly is always false: S3 reads are cached and eviction-
// eligible like any other remote object store (spec §4.7).
func (p *Provider) IsDirectOnly() bool { return false }
