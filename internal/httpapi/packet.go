package httpapi

import (
	"encoding/json"
	"net/http"
	"os"

	"repertory/internal/apierror"
	"repertory/internal/models"
	"repertory/internal/provider"
)

// uploadViaTemp stages data in a throwaway temp file so it can be
// handed to provider.Provider.UploadFile, which (per spec §4.7) always
// takes a source path rather than an in-memory buffer.
func uploadViaTemp(ctx provider.StopToken, prov provider.Provider, apiPath string, data []byte) *apierror.Error {
	f, err := os.CreateTemp("", "repertory-packet-upload-*")
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	if err := f.Close(); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	return prov.UploadFile(ctx, apiPath, f.Name())
}

// packet and packetReply mirror internal/provider/remoteprovider's
// wire shapes exactly: this handler is the server side of the packet
// RPC that package's client speaks.
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
	Item  *models.FilesystemItem  `json:"item,omitempty"`
	Meta  models.FileMeta         `json:"meta,omitempty"`
	Value string                  `json:"value,omitempty"`
	Data  []byte                  `json:"data,omitempty"`
	Items []models.DirectoryItem  `json:"items,omitempty"`
}

func codeToString(code apierror.Code) string {
	switch code {
	case apierror.Success:
		return "success"
	case apierror.ItemNotFound:
		return "item_not_found"
	case apierror.DirectoryNotFound:
		return "directory_not_found"
	case apierror.AccessDenied:
		return "access_denied"
	case apierror.NotSupported:
		return "not_supported"
	default:
		return "comm_error"
	}
}

// handlePacket dispatches one packet op directly against the local
// provider.Provider — this server is always the "remote" side of spec
// §4.7's remote-self provider, so every op here is a thin pass-through
// to the same provider.Provider capability surface, never through the
// open-file table (a peer caches on its own side, per IsDirectOnly).
func (s *Server) handlePacket(w http.ResponseWriter, r *http.Request) {
	var pkt packet
	if err := json.NewDecoder(r.Body).Decode(&pkt); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	reply := packetReply{Code: "success"}

	var aerr *apierror.Error
	switch pkt.Op {
	case "get_filesystem_item":
		reply.Item, aerr = s.provider.GetFilesystemItem(ctx, pkt.ApiPath, pkt.Directory)
	case "get_item_meta":
		reply.Meta, aerr = s.provider.GetItemMeta(ctx, pkt.ApiPath)
	case "get_item_meta_value":
		reply.Value, aerr = s.provider.GetItemMetaValue(ctx, pkt.ApiPath, pkt.Key)
	case "set_item_meta":
		aerr = s.provider.SetItemMeta(ctx, pkt.ApiPath, pkt.Meta)
	case "set_item_meta_value":
		aerr = s.provider.SetItemMetaValue(ctx, pkt.ApiPath, pkt.Key, pkt.Value)
	case "read_file_bytes":
		buf := make([]byte, pkt.Size)
		aerr = s.provider.ReadFileBytes(ctx, pkt.ApiPath, pkt.Size, pkt.Offset, buf)
		if aerr == nil {
			reply.Data = buf
		}
	case "upload_file":
		aerr = uploadViaTemp(ctx, s.provider, pkt.ApiPath, pkt.Data)
	case "create_file":
		aerr = s.provider.CreateFile(ctx, pkt.ApiPath, pkt.Meta)
	case "create_directory":
		aerr = s.provider.CreateDirectory(ctx, pkt.ApiPath, pkt.Meta)
	case "remove_file":
		aerr = s.provider.RemoveFile(ctx, pkt.ApiPath)
	case "remove_directory":
		aerr = s.provider.RemoveDirectory(ctx, pkt.ApiPath)
	case "rename_file":
		aerr = s.provider.RenameFile(ctx, pkt.ApiPath, pkt.To)
	case "get_directory_items":
		reply.Items, aerr = s.provider.GetDirectoryItems(ctx, pkt.ApiPath)
	default:
		aerr = apierror.New(apierror.NotImplemented, nil)
	}

	if aerr != nil {
		reply.Code = codeToString(aerr.Code)
	}
	writeJSON(w, http.StatusOK, reply)
}
