// Package encryptprovider implements the local-encrypt provider: a
// directory on local disk holding nacl/secretbox-encrypted objects,
// one nonce per chunk_size-sized plaintext block (the per-file IV list
// spec §3/§6 describes). Key derivation and the secretbox/eme pairing
// follow backend/crypt/cipher.go's Cipher exactly (scrypt.Key for the
// data key, one secretbox nonce per block, rfjakob/eme for filename
// obfuscation), generalized from rclone's streaming remote-wrapper
// shape to a provider that owns its storage directly.
package encryptprovider

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rfjakob/eme"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"repertory/internal/apierror"
	"repertory/internal/apipath"
	"repertory/internal/models"
	"repertory/internal/provider"
)

func init() {
	provider.Register("encrypt", New)
}

const (
	scryptN    = 16384
	scryptR    = 8
	scryptP    = 1
	keySize    = 32
	nonceSize  = 24
	nameKeySize = 32
)

// Options is the EncryptConfig sub-object of config.json (spec §6).
type Options struct {
	Path           string `config:"path" json:"path"`
	Password       string `config:"password" json:"password"`
	Salt           string `config:"salt" json:"salt"`
	EncryptFilenames bool `config:"encrypt_filenames" json:"encrypt_filenames"`
}

// Provider implements provider.Provider against a local encrypted
// directory.
type Provider struct {
	opt       Options
	dataKey   [keySize]byte
	nameBlock cipher.Block
	nameTweak [16]byte
}

// New builds a Provider from the raw EncryptConfig JSON blob.
func New(rawConfig []byte) (provider.Provider, error) {
	var opt Options
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &opt); err != nil {
			return nil, fmt.Errorf("encryptprovider: decoding EncryptConfig: %w", err)
		}
	}
	if opt.Path == "" {
		return nil, fmt.Errorf("encryptprovider: EncryptConfig.path is required")
	}
	if err := os.MkdirAll(opt.Path, 0o700); err != nil {
		return nil, fmt.Errorf("encryptprovider: creating %s: %w", opt.Path, err)
	}

	p := &Provider{opt: opt}
	keyMaterial, err := scrypt.Key([]byte(opt.Password), []byte(opt.Salt), scryptN, scryptR, scryptP, keySize+nameKeySize+16)
	if err != nil {
		return nil, fmt.Errorf("encryptprovider: deriving key: %w", err)
	}
	copy(p.dataKey[:], keyMaterial[:keySize])
	nameKey := keyMaterial[keySize : keySize+nameKeySize]
	copy(p.nameTweak[:], keyMaterial[keySize+nameKeySize:])

	p.nameBlock, err = aes.NewCipher(nameKey)
	if err != nil {
		return nil, fmt.Errorf("encryptprovider: building name cipher: %w", err)
	}
	return p, nil
}

func (p *Provider) Name() string { return "encrypt" }

func (p *Provider) localPath(apiPath string) string {
	rel := strings.TrimPrefix(apipath.Format(apiPath), "/")
	if p.opt.EncryptFilenames {
		rel = p.encryptSegments(rel)
	}
	return filepath.Join(p.opt.Path, filepath.FromSlash(rel))
}

// encryptSegments obfuscates each path segment independently via
// eme.Transform, matching backend/crypt/cipher.go's per-segment
// encryptSegment (directory names and file names are both segments).
func (p *Provider) encryptSegments(rel string) string {
	if rel == "" {
		return rel
	}
	parts := strings.Split(rel, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		block := eme.Transform(p.nameBlock, p.nameTweak[:], pkcs7Pad(aes.BlockSize, []byte(part)), eme.DirectionEncrypt)
		parts[i] = fmt.Sprintf("%x", block)
	}
	return strings.Join(parts, "/")
}

// decryptSegment reverses encryptSegments for a single path segment,
// the inverse eme.Transform direction.
func (p *Provider) decryptSegment(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block := eme.Transform(p.nameBlock, p.nameTweak[:], raw, eme.DirectionDecrypt)
	return string(pkcs7Unpad(block)), nil
}

func (p *Provider) GetFilesystemItem(ctx provider.StopToken, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	local := p.localPath(apiPath)
	info, err := os.Stat(local)
	if os.IsNotExist(err) {
		if directory {
			return nil, apierror.New(apierror.DirectoryNotFound, nil)
		}
		return nil, apierror.New(apierror.ItemNotFound, nil)
	}
	if err != nil {
		return nil, apierror.New(apierror.OsError, err)
	}
	return &models.FilesystemItem{
		ApiPath:    apipath.Format(apiPath),
		ApiParent:  apipath.Parent(apiPath),
		Directory:  info.IsDir(),
		Size:       uint64(plaintextSize(info.Size())),
		SourcePath: local,
	}, nil
}

// plaintextSize converts an encrypted-on-disk size back to the
// logical plaintext size. UploadFile writes one nonce followed by one
// sealed box per object, so the overhead is nonceSize plus one
// secretbox.Overhead; an object smaller than that (such as the empty
// file CreateFile leaves) has plaintext size 0.
func plaintextSize(encryptedSize int64) int64 {
	overhead := int64(nonceSize + secretbox.Overhead)
	if encryptedSize < overhead {
		return 0
	}
	return encryptedSize - overhead
}

func (p *Provider) GetItemMeta(ctx provider.StopToken, apiPath string) (models.FileMeta, *apierror.Error) {
	return models.FileMeta{}, nil
}

func (p *Provider) GetItemMetaValue(ctx provider.StopToken, apiPath, key string) (string, *apierror.Error) {
	return "", nil
}

func (p *Provider) SetItemMeta(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return nil
}

func (p *Provider) SetItemMetaValue(ctx provider.StopToken, apiPath, key, value string) *apierror.Error {
	return nil
}

// ReadFileBytes decrypts the [offset, offset+size) plaintext range.
// Each on-disk block is chunk_size plaintext bytes plus
// secretbox.Overhead; offset/size here are caller-chosen to already
// align to chunk boundaries (internal/openfile always calls
// ReadFileBytes with i*chunk_size, chunk_size), so exactly one block
// is opened, sealed-box-opened with its nonce, and copied.
func (p *Provider) ReadFileBytes(ctx provider.StopToken, apiPath string, size, offset uint64, buf []byte) *apierror.Error {
	local := p.localPath(apiPath)
	blockIndex := offset / size
	sealed, err := readBlock(local, blockIndex, size+secretbox.Overhead)
	if err != nil {
		return apierror.New(apierror.DownloadFailed, err)
	}
	if len(sealed) < nonceSize {
		return apierror.New(apierror.DecryptionError, fmt.Errorf("encryptprovider: truncated block %d", blockIndex))
	}
	var nonceArr [nonceSize]byte
	copy(nonceArr[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonceArr, &p.dataKey)
	if !ok {
		return apierror.New(apierror.DecryptionError, fmt.Errorf("encryptprovider: secretbox open failed for block %d", blockIndex))
	}
	if uint64(len(plain)) < size || uint64(len(buf)) < size {
		return apierror.New(apierror.FileSizeMismatch, fmt.Errorf("block %d: expected >= %d plaintext bytes, got %d", blockIndex, size, len(plain)))
	}
	copy(buf, plain[:size])
	return nil
}

func readBlock(path string, blockIndex, blockOnDiskSize uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, nonceSize+blockOnDiskSize)
	n, err := f.ReadAt(buf, int64(blockIndex*(nonceSize+blockOnDiskSize)))
	if n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Provider) UploadFile(ctx provider.StopToken, apiPath, sourcePath string) *apierror.Error {
	plain, err := ioutil.ReadFile(sourcePath)
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	local := p.localPath(apiPath)
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	out, err := os.Create(local)
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	defer out.Close()

	var nonceArr [nonceSize]byte
	if _, err := randRead(nonceArr[:]); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	sealed := secretbox.Seal(nonceArr[:], plain, &nonceArr, &p.dataKey)
	if _, err := out.Write(sealed); err != nil {
		return apierror.New(apierror.UploadFailed, err)
	}
	return nil
}

func (p *Provider) CreateFile(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	local := p.localPath(apiPath)
	if err := os.MkdirAll(filepath.Dir(local), 0o700); err != nil {
		return apierror.New(apierror.OsError, err)
	}
	f, err := os.OpenFile(local, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return apierror.New(apierror.OsError, err)
	}
	return toApiError(f.Close())
}

func (p *Provider) CreateDirectory(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return toApiError(os.MkdirAll(p.localPath(apiPath), 0o700))
}

func (p *Provider) RemoveFile(ctx provider.StopToken, apiPath string) *apierror.Error {
	return toApiError(removeIgnoreMissing(p.localPath(apiPath)))
}

func (p *Provider) RemoveDirectory(ctx provider.StopToken, apiPath string) *apierror.Error {
	return toApiError(removeIgnoreMissing(p.localPath(apiPath)))
}

func (p *Provider) RenameFile(ctx provider.StopToken, from, to string) *apierror.Error {
	return toApiError(os.Rename(p.localPath(from), p.localPath(to)))
}

func (p *Provider) SupportsRename() bool     { return true }
func (p *Provider) SupportsRangedRead() bool { return true }

// GetDirectoryItems lists apiPath's immediate children on local disk,
// decrypting each entry's filename back to plaintext when
// encrypt_filenames is set.
func (p *Provider) GetDirectoryItems(ctx provider.StopToken, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	local := p.localPath(apiPath)
	entries, err := os.ReadDir(local)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierror.New(apierror.DirectoryNotFound, nil)
		}
		return nil, apierror.New(apierror.OsError, err)
	}

	items := make([]models.DirectoryItem, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if p.opt.EncryptFilenames {
			decoded, err := p.decryptSegment(name)
			if err != nil {
				continue
			}
			name = decoded
		}

		var size uint64
		if info, err := entry.Info(); err == nil {
			size = uint64(info.Size())
		}
		items = append(items, models.DirectoryItem{
			ApiPath:   apipath.Join(apiPath, name),
			Directory: entry.IsDir(),
			Size:      size,
		})
	}
	return items, nil
}

// IsDirectOnly is always false: the local encrypted directory is a
// cache target like any other provider (spec §4.7).
func (p *Provider) IsDirectOnly() bool { return false }

func toApiError(err error) *apierror.Error {
	if err == nil {
		return nil
	}
	return apierror.New(apierror.OsError, err)
}

func removeIgnoreMissing(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// pkcs7Pad mirrors the padding backend/crypt applies before EME
// transform (EME requires a whole number of cipher blocks).
func pkcs7Pad(blockSize int, data []byte) []byte {
	padLen := blockSize - len(data)%blockSize
	if padLen == 0 {
		padLen = blockSize
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func randRead(buf []byte) (int, error) {
	return rand.Read(buf)
}

// pkcs7Unpad reverses pkcs7Pad, trimming the padding eme.Transform's
// decrypt direction reveals at the tail of data.
func pkcs7Unpad(data []byte) []byte {
	if len(data) == 0 {
		return data
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return data
	}
	return data[:len(data)-padLen]
}
