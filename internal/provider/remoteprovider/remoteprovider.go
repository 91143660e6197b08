// Package remoteprovider implements the remote-self provider: a
// client for another repertory instance's own embedded management API
// (internal/httpapi), used when RemoteConfig names a peer instead of
// an object store. There is no teacher analogue for an inter-instance
// RPC client, so the wire shape is modeled on the same plain
// net/http + JSON request/response pattern backend/sia/sia.go uses
// against siad, with jpillora/backoff for retry exactly as
// internal/provider/renterdprovider uses it.
package remoteprovider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/jpillora/backoff"

	"repertory/internal/apierror"
	"repertory/internal/apipath"
	"repertory/internal/models"
	"repertory/internal/provider"
)

func init() {
	provider.Register("remote", New)
}

// Options is the RemoteConfig sub-object of config.json (spec §6).
type Options struct {
	APIURL   string `config:"api_url" json:"api_url"`
	APIUser  string `config:"api_user" json:"api_user"`
	APIAuth  string `config:"api_auth" json:"api_auth"`
}

// Provider implements provider.Provider by delegating every operation
// to a peer repertory instance's embedded HTTP API.
type Provider struct {
	opt    Options
	client *http.Client
}

// New builds a Provider from the raw RemoteConfig JSON blob.
func New(rawConfig []byte) (provider.Provider, error) {
	var opt Options
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &opt); err != nil {
			return nil, fmt.Errorf("remoteprovider: decoding RemoteConfig: %w", err)
		}
	}
	if opt.APIURL == "" {
		return nil, fmt.Errorf("remoteprovider: RemoteConfig.api_url is required")
	}
	return &Provider{opt: opt, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (p *Provider) Name() string { return "remote" }

type packet struct {
	Op        string          `json:"op"`
	ApiPath   string          `json:"api_path,omitempty"`
	To        string          `json:"to,omitempty"`
	Directory bool            `json:"directory,omitempty"`
	Offset    uint64          `json:"offset,omitempty"`
	Size      uint64          `json:"size,omitempty"`
	Data      []byte          `json:"data,omitempty"`
	Meta      models.FileMeta `json:"meta,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     string          `json:"value,omitempty"`
}

type packetReply struct {
	Code  string                  `json:"code"`
	Item  *models.FilesystemItem `json:"item,omitempty"`
	Meta  models.FileMeta         `json:"meta,omitempty"`
	Value string                  `json:"value,omitempty"`
	Data  []byte                  `json:"data,omitempty"`
	Items []models.DirectoryItem `json:"items,omitempty"`
}

func (p *Provider) call(ctx provider.StopToken, pkt packet) (*packetReply, *apierror.Error) {
	body, err := json.Marshal(pkt)
	if err != nil {
		return nil, apierror.New(apierror.CommError, err)
	}

	var reply *packetReply
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 3 * time.Second, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if ctx.Err() != nil {
			return nil, apierror.New(apierror.DownloadStopped, ctx.Err())
		}
		reply, lastErr = p.doOnce(ctx, body)
		if lastErr == nil {
			break
		}
		time.Sleep(b.Duration())
	}
	if lastErr != nil {
		return nil, apierror.New(apierror.CommError, lastErr)
	}
	if reply.Code != "" && reply.Code != "success" {
		return reply, apierror.New(codeFromString(reply.Code), nil)
	}
	return reply, nil
}

func (p *Provider) doOnce(ctx provider.StopToken, body []byte) (*packetReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opt.APIURL+"/api/v1/packet", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.opt.APIUser != "" {
		req.SetBasicAuth(p.opt.APIUser, p.opt.APIAuth)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var reply packetReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func codeFromString(s string) apierror.Code {
	switch s {
	case "item_not_found":
		return apierror.ItemNotFound
	case "directory_not_found":
		return apierror.DirectoryNotFound
	case "access_denied":
		return apierror.AccessDenied
	case "not_supported":
		return apierror.NotSupported
	default:
		return apierror.CommError
	}
}

func (p *Provider) GetFilesystemItem(ctx provider.StopToken, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	reply, aerr := p.call(ctx, packet{Op: "get_filesystem_item", ApiPath: apipath.Format(apiPath), Directory: directory})
	if aerr != nil {
		return nil, aerr
	}
	return reply.Item, nil
}

func (p *Provider) GetItemMeta(ctx provider.StopToken, apiPath string) (models.FileMeta, *apierror.Error) {
	reply, aerr := p.call(ctx, packet{Op: "get_item_meta", ApiPath: apipath.Format(apiPath)})
	if aerr != nil {
		return nil, aerr
	}
	return reply.Meta, nil
}

func (p *Provider) GetItemMetaValue(ctx provider.StopToken, apiPath, key string) (string, *apierror.Error) {
	reply, aerr := p.call(ctx, packet{Op: "get_item_meta_value", ApiPath: apipath.Format(apiPath), Key: key})
	if aerr != nil {
		return "", aerr
	}
	return reply.Value, nil
}

func (p *Provider) SetItemMeta(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "set_item_meta", ApiPath: apipath.Format(apiPath), Meta: meta})
	return aerr
}

func (p *Provider) SetItemMetaValue(ctx provider.StopToken, apiPath, key, value string) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "set_item_meta_value", ApiPath: apipath.Format(apiPath), Key: key, Value: value})
	return aerr
}

func (p *Provider) ReadFileBytes(ctx provider.StopToken, apiPath string, size, offset uint64, buf []byte) *apierror.Error {
	reply, aerr := p.call(ctx, packet{Op: "read_file_bytes", ApiPath: apipath.Format(apiPath), Size: size, Offset: offset})
	if aerr != nil {
		return aerr
	}
	if uint64(len(reply.Data)) != size || uint64(len(buf)) < size {
		return apierror.New(apierror.FileSizeMismatch, fmt.Errorf("expected %d bytes, got %d", size, len(reply.Data)))
	}
	copy(buf, reply.Data)
	return nil
}

func (p *Provider) UploadFile(ctx provider.StopToken, apiPath, sourcePath string) *apierror.Error {
	data, err := ioutil.ReadFile(sourcePath)
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	_, aerr := p.call(ctx, packet{Op: "upload_file", ApiPath: apipath.Format(apiPath), Data: data})
	return aerr
}

func (p *Provider) CreateFile(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "create_file", ApiPath: apipath.Format(apiPath), Meta: meta})
	return aerr
}

func (p *Provider) CreateDirectory(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "create_directory", ApiPath: apipath.Format(apiPath), Meta: meta})
	return aerr
}

func (p *Provider) RemoveFile(ctx provider.StopToken, apiPath string) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "remove_file", ApiPath: apipath.Format(apiPath)})
	return aerr
}

func (p *Provider) RemoveDirectory(ctx provider.StopToken, apiPath string) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "remove_directory", ApiPath: apipath.Format(apiPath)})
	return aerr
}

func (p *Provider) RenameFile(ctx provider.StopToken, from, to string) *apierror.Error {
	_, aerr := p.call(ctx, packet{Op: "rename_file", ApiPath: apipath.Format(from), To: apipath.Format(to)})
	return aerr
}

func (p *Provider) SupportsRename() bool     { return true }
func (p *Provider) SupportsRangedRead() bool { return true }

func (p *Provider) GetDirectoryItems(ctx provider.StopToken, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	reply, aerr := p.call(ctx, packet{Op: "get_directory_items", ApiPath: apipath.Format(apiPath)})
	if aerr != nil {
		return nil, aerr
	}
	return reply.Items, nil
}

// IsDirectOnly is true: the peer instance already runs its own
// open-file table and eviction loop, so this provider never caches or
// evicts locally, and every read is forwarded as a fresh packet call
// (spec §4.7).
func (p *Provider) IsDirectOnly() bool { return true }
