package provider_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repertory/internal/apierror"
	"repertory/internal/models"
	"repertory/internal/provider"
)

// stubProvider implements provider.Provider with no-op bodies, enough
// to exercise the registry without depending on a concrete adapter.
type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) GetFilesystemItem(ctx provider.StopToken, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error) {
	return nil, apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) GetItemMeta(ctx provider.StopToken, apiPath string) (models.FileMeta, *apierror.Error) {
	return nil, apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) GetItemMetaValue(ctx provider.StopToken, apiPath, key string) (string, *apierror.Error) {
	return "", apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) SetItemMeta(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) SetItemMetaValue(ctx provider.StopToken, apiPath, key, value string) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) ReadFileBytes(ctx provider.StopToken, apiPath string, size, offset uint64, buf []byte) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) UploadFile(ctx provider.StopToken, apiPath, sourcePath string) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) CreateFile(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) CreateDirectory(ctx provider.StopToken, apiPath string, meta models.FileMeta) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) RemoveFile(ctx provider.StopToken, apiPath string) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) RemoveDirectory(ctx provider.StopToken, apiPath string) *apierror.Error {
	return apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) RenameFile(ctx provider.StopToken, from, to string) *apierror.Error {
	return apierror.New(apierror.NotSupported, nil)
}
func (s *stubProvider) SupportsRename() bool     { return false }
func (s *stubProvider) SupportsRangedRead() bool { return true }
func (s *stubProvider) GetDirectoryItems(ctx provider.StopToken, apiPath string) ([]models.DirectoryItem, *apierror.Error) {
	return nil, apierror.New(apierror.NotImplemented, nil)
}
func (s *stubProvider) IsDirectOnly() bool { return false }

func TestRegisterAndNew(t *testing.T) {
	provider.Register("stub-test-provider", func(raw []byte) (provider.Provider, error) {
		return &stubProvider{name: "stub-test-provider"}, nil
	})

	p, err := provider.New("stub-test-provider", nil)
	require.NoError(t, err)
	assert.Equal(t, "stub-test-provider", p.Name())
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := provider.New("does-not-exist", nil)
	assert.Error(t, err)
}
