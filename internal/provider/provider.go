// Package provider defines the capability surface every object-store
// adapter must implement (spec §4.7), and the registry the core and
// cmd/repertory use to look one up by name.
package provider

import (
	"context"

	"repertory/internal/apierror"
	"repertory/internal/models"
)

// StopToken is the cooperative cancellation signal passed to every
// blocking provider call (spec "Cancellation"). A context.Context is
// the idiomatic Go stop token — cancellation is cooperative exactly as
// context.Done() already models it, so no bespoke token type is
// introduced.
type StopToken = context.Context

// Provider is the minimum capability set any concrete adapter (S3,
// renterd, remote-self, local-encrypt) must implement (spec §4.7).
type Provider interface {
	// Name identifies the provider kind, e.g. "s3", "sia", "encrypt",
	// "remote".
	Name() string

	GetFilesystemItem(ctx StopToken, apiPath string, directory bool) (*models.FilesystemItem, *apierror.Error)

	GetItemMeta(ctx StopToken, apiPath string) (models.FileMeta, *apierror.Error)
	GetItemMetaValue(ctx StopToken, apiPath, key string) (string, *apierror.Error)
	SetItemMeta(ctx StopToken, apiPath string, meta models.FileMeta) *apierror.Error
	SetItemMetaValue(ctx StopToken, apiPath, key, value string) *apierror.Error

	// ReadFileBytes MUST be cancellable and MUST fill buf to len(buf)
	// on success (spec §4.7).
	ReadFileBytes(ctx StopToken, apiPath string, size, offset uint64, buf []byte) *apierror.Error

	UploadFile(ctx StopToken, apiPath, sourcePath string) *apierror.Error

	CreateFile(ctx StopToken, apiPath string, meta models.FileMeta) *apierror.Error
	CreateDirectory(ctx StopToken, apiPath string, meta models.FileMeta) *apierror.Error

	RemoveFile(ctx StopToken, apiPath string) *apierror.Error
	RemoveDirectory(ctx StopToken, apiPath string) *apierror.Error

	// RenameFile is optional; providers that cannot support a native
	// rename report SupportsRename() == false, and internal/mount then
	// answers a rename with ENOSYS (there is no copy+delete fallback).
	RenameFile(ctx StopToken, from, to string) *apierror.Error
	SupportsRename() bool

	// SupportsRangedRead reports whether ReadFileBytes can be called
	// with an arbitrary (size, offset) sub-range rather than requiring
	// a full-object fetch; the open-file table checks it only when
	// choosing a ring-buffer File for a read-only handle (spec §4.4
	// "open").
	SupportsRangedRead() bool

	// GetDirectoryItems lists apiPath's immediate children, used by the
	// mount layer's readdir (spec §4.7).
	GetDirectoryItems(ctx StopToken, apiPath string) ([]models.DirectoryItem, *apierror.Error)

	// IsDirectOnly reports whether every read must issue a provider
	// call with no local caching or eviction (spec §4.7) — true for a
	// provider fronting a remote repertory instance that already does
	// its own caching.
	IsDirectOnly() bool
}
