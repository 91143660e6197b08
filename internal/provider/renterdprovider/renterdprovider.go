// Package renterdprovider adapts a Sia renterd host to the
// provider.Provider capability surface (spec §4.7). The wire shape
// (path.Join against a root, a plain net/http client, a User-Agent
// header) follows backend/sia/sia.go's siad client, generalized from
// siad's pre-renterd `/renter/stream/`+`/renter/uploadstream/` API to
// renterd's object API and updated to use jpillora/backoff for retry
// in place of the now-pruned lib/pacer.
package renterdprovider

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"repertory/internal/apierror"
	"repertory/internal/apipath"
	"repertory/internal/models"
	"repertory/internal/provider"
)

func init() {
	provider.Register("sia", New)
}

// Options is the HostConfig sub-object of config.json (spec §6).
type Options struct {
	APIURL    string `config:"api_url" json:"api_url"`
	APIPasswd string `config:"api_password" json:"api_password"`
	Bucket    string `config:"bucket" json:"bucket"`
	UserAgent string `config:"user_agent" json:"user_agent"`
}

// Provider implements provider.Provider against a renterd daemon.
type Provider struct {
	opt    Options
	client *http.Client
}

// New builds a Provider from the raw HostConfig JSON blob.
func New(rawConfig []byte) (provider.Provider, error) {
	opt := Options{UserAgent: "repertory-renterd"}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &opt); err != nil {
			return nil, fmt.Errorf("renterdprovider: decoding HostConfig: %w", err)
		}
	}
	if opt.APIURL == "" {
		opt.APIURL = "http://127.0.0.1:9980"
	}
	if opt.Bucket == "" {
		opt.Bucket = "default"
	}
	return &Provider{opt: opt, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (p *Provider) Name() string { return "sia" }

func (p *Provider) objectPath(apiPath string) string {
	return path.Join("/api/bus/objects", p.opt.Bucket, apipath.Format(apiPath))
}

func (p *Provider) do(ctx provider.StopToken, method, urlPath string, headers map[string]string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.opt.APIURL+urlPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", p.opt.UserAgent)
	if p.opt.APIPasswd != "" {
		req.SetBasicAuth("", p.opt.APIPasswd)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.client.Do(req)
}

// callWithRetry retries transient (5xx, network) failures with
// jpillora/backoff, mirroring the retry-then-give-up shape
// backend/sia/sia.go gets from lib/pacer, bounded by maxAttempts.
func callWithRetry(ctx provider.StopToken, maxAttempts int, fn func() (*http.Response, error)) (*http.Response, error) {
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			resp.Body.Close()
			lastErr = fmt.Errorf("renterd: server error status %d", resp.StatusCode)
		} else {
			lastErr = err
		}
		time.Sleep(b.Duration())
	}
	return nil, lastErr
}

type objectMetadataResponse struct {
	Size int64 `json:"size"`
}

func (p *Provider) GetFilesystemItem(ctx provider.StopToken, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		return p.do(ctx, http.MethodGet, p.objectPath(apiPath), nil, nil)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.New(apierror.DownloadStopped, err)
		}
		return nil, apierror.New(apierror.CommError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		if directory {
			return nil, apierror.New(apierror.DirectoryNotFound, nil)
		}
		return nil, apierror.New(apierror.ItemNotFound, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New(apierror.CommError, fmt.Errorf("renterd: unexpected status %d", resp.StatusCode))
	}

	var meta objectMetadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, apierror.New(apierror.CommError, err)
	}
	return &models.FilesystemItem{
		ApiPath:   apipath.Format(apiPath),
		ApiParent: apipath.Parent(apiPath),
		Directory: directory,
		Size:      uint64(meta.Size),
	}, nil
}

func (p *Provider) GetItemMeta(ctx provider.StopToken, apiPath string) (models.FileMeta, *apierror.Error) {
	return models.FileMeta{}, nil
}

func (p *Provider) GetItemMetaValue(ctx provider.StopToken, apiPath, key string) (string, *apierror.Error) {
	return "", nil
}

func (p *Provider) SetItemMeta(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return apierror.New(apierror.NotSupported, nil)
}

func (p *Provider) SetItemMetaValue(ctx provider.StopToken, apiPath, key, value string) *apierror.Error {
	return apierror.New(apierror.NotSupported, nil)
}

func (p *Provider) ReadFileBytes(ctx provider.StopToken, apiPath string, size, offset uint64, buf []byte) *apierror.Error {
	headers := map[string]string{
		"Range": fmt.Sprintf("bytes=%d-%d", offset, offset+size-1),
	}
	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		return p.do(ctx, http.MethodGet, p.objectPath(apiPath)+"/download", headers, nil)
	})
	if err != nil {
		if ctx.Err() != nil {
			return apierror.New(apierror.DownloadStopped, err)
		}
		return apierror.New(apierror.DownloadFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apierror.New(apierror.ItemNotFound, nil)
	}
	data, err := ioutil.ReadAll(resp.Body)
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
	f, err := os.Open(sourcePath)
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	defer f.Close()

	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		f.Seek(0, io.SeekStart)
		return p.do(ctx, http.MethodPut, p.objectPath(apiPath), nil, f)
	})
	if err != nil {
		if ctx.Err() != nil {
			return apierror.New(apierror.UploadStopped, err)
		}
		return apierror.New(apierror.UploadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apierror.New(apierror.UploadFailed, fmt.Errorf("renterd: unexpected status %d", resp.StatusCode))
	}
	return nil
}

func (p *Provider) CreateFile(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		return p.do(ctx, http.MethodPut, p.objectPath(apiPath), nil, strings.NewReader(""))
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	defer resp.Body.Close()
	return nil
}

func (p *Provider) CreateDirectory(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return nil
}

func (p *Provider) RemoveFile(ctx provider.StopToken, apiPath string) *apierror.Error {
	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		return p.do(ctx, http.MethodDelete, p.objectPath(apiPath), nil, nil)
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	defer resp.Body.Close()
	return nil
}

func (p *Provider) RemoveDirectory(ctx provider.StopToken, apiPath string) *apierror.Error {
	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		return p.do(ctx, http.MethodDelete, p.objectPath(apiPath)+"?bucket="+p.opt.Bucket, nil, nil)
	})
	if err != nil {
		return apierror.New(apierror.CommError, err)
	}
	defer resp.Body.Close()
	return nil
}

func (p *Provider) RenameFile(ctx provider.StopToken, from, to string) *apierror.Error {
	return apierror.New(apierror.NotSupported, nil)
}

func (p *Provider) SupportsRename() bool     { return false }
func (p *Provider) SupportsRangedRead() bool { return true }

type directoryEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

type listObjectsResponse struct {
	Entries []directoryEntry `json:"entries"`
}

// GetDirectoryItems lists apiPath's immediate children via renterd's
// object listing endpoint: a GET on the object path with a trailing
// slash added (GetFilesystemItem issues the same GET without one).
func (p *Provider) GetDirectoryItems(ctx provider.StopToken, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	urlPath := p.objectPath(apiPath)
	if !strings.HasSuffix(urlPath, "/") {
		urlPath += "/"
	}
	resp, err := callWithRetry(ctx, 3, func() (*http.Response, error) {
		return p.do(ctx, http.MethodGet, urlPath, nil, nil)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierror.New(apierror.DownloadStopped, err)
		}
		return nil, apierror.New(apierror.CommError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apierror.New(apierror.DirectoryNotFound, nil)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New(apierror.CommError, fmt.Errorf("renterd: unexpected status %d", resp.StatusCode))
	}

	var out listObjectsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierror.New(apierror.CommError, err)
	}

	items := make([]models.DirectoryItem, 0, len(out.Entries))
	for _, e := range out.Entries {
		items = append(items, models.DirectoryItem{
			ApiPath:   apipath.Join(apiPath, strings.TrimSuffix(e.Name, "/")),
			Directory: e.IsDir,
			Size:      uint64(e.Size),
		})
	}
	return items, nil
}

// IsDirectOnly is always false: renterd objects are cached and
// eviction-eligible like any other remote object store (spec §4.7).
func (p *Provider) IsDirectOnly() bool { return false }
