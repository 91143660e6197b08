// Package apierror defines the single tagged error enumeration used
// throughout the core (spec §7). Every operation that can fail across
// a provider, store, or open-file boundary returns one of these codes
// instead of an ad-hoc error type.
package apierror

// Code is one variant of the ApiError enumeration.
type Code int

const (
	Success Code = iota
	AccessDenied
	CommError
	DecryptionError
	DirectoryExists
	DirectoryNotEmpty
	DirectoryNotFound
	DownloadFailed
	DownloadIncomplete
	DownloadStopped
	FileInUse
	FileSizeMismatch
	InvalidHandle
	InvalidOperation
	ItemExists
	ItemNotFound
	NoDiskSpace
	NotImplemented
	NotSupported
	OsError
	OutOfMemory
	PermissionDenied
	UploadFailed
	UploadStopped
	XattrNotFound
	XattrTooBig
)

var names = map[Code]string{
	Success:            "success",
	AccessDenied:       "access_denied",
	CommError:          "comm_error",
	DecryptionError:    "decryption_error",
	DirectoryExists:    "directory_exists",
	DirectoryNotEmpty:  "directory_not_empty",
	DirectoryNotFound:  "directory_not_found",
	DownloadFailed:     "download_failed",
	DownloadIncomplete: "download_incomplete",
	DownloadStopped:    "download_stopped",
	FileInUse:          "file_in_use",
	FileSizeMismatch:   "file_size_mismatch",
	InvalidHandle:      "invalid_handle",
	InvalidOperation:   "invalid_operation",
	ItemExists:         "item_exists",
	ItemNotFound:       "item_not_found",
	NoDiskSpace:        "no_disk_space",
	NotImplemented:     "not_implemented",
	NotSupported:       "not_supported",
	OsError:            "os_error",
	OutOfMemory:        "out_of_memory",
	PermissionDenied:   "permission_denied",
	UploadFailed:       "upload_failed",
	UploadStopped:      "upload_stopped",
	XattrNotFound:      "xattr_not_found",
	XattrTooBig:        "xattr_too_big",
}

func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "unknown"
}

// Error is the concrete error value carried across the core. A nil
// *Error (or a Code of Success) means no error occurred.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return Success.String()
	}
	if e.Cause != nil {
		return e.Code.String() + ": " + e.Cause.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// New builds an *Error for the given code, optionally wrapping cause.
func New(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var ae *Error
	if err == nil {
		return code == Success
	}
	if as(err, &ae) {
		return ae.Code == code
	}
	return false
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Errno is the Unix errno an ApiError maps to, per spec §7. Unmapped
// codes default to EIO; internal/mount translates each Errno into the
// platform syscall constant.
type Errno string

const (
	ENOENT    Errno = "ENOENT"
	EACCES    Errno = "EACCES"
	ENOTEMPTY Errno = "ENOTEMPTY"
	ENOSPC    Errno = "ENOSPC"
	ENOSYS    Errno = "ENOSYS"
	EPERM     Errno = "EPERM"
	EIO       Errno = "EIO"
)

func (c Code) Errno() Errno {
	switch c {
	case ItemNotFound:
		return ENOENT
	case AccessDenied:
		return EACCES
	case DirectoryNotEmpty:
		return ENOTEMPTY
	case NoDiskSpace:
		return ENOSPC
	case NotImplemented:
		return ENOSYS
	case NotSupported:
		return EPERM
	default:
		return EIO
	}
}

// NTStatus is the Windows status code an ApiError maps to, carried for
// completeness alongside the POSIX table (original_source keeps both;
// see DESIGN.md). Only looked up by tests and by a WinFsp build, never
// by the cgofuse/Unix mount path.
type NTStatus string

const (
	StatusObjectNameNotFound NTStatus = "STATUS_OBJECT_NAME_NOT_FOUND"
	StatusAccessDenied       NTStatus = "STATUS_ACCESS_DENIED"
	StatusDirectoryNotEmpty  NTStatus = "STATUS_DIRECTORY_NOT_EMPTY"
	StatusDiskFull           NTStatus = "STATUS_DISK_FULL"
	StatusNotImplemented     NTStatus = "STATUS_NOT_IMPLEMENTED"
	StatusNotSupported       NTStatus = "STATUS_NOT_SUPPORTED"
	StatusUnsuccessful       NTStatus = "STATUS_UNSUCCESSFUL"
)

func (c Code) NTStatus() NTStatus {
	switch c {
	case ItemNotFound:
		return StatusObjectNameNotFound
	case AccessDenied:
		return StatusAccessDenied
	case DirectoryNotEmpty:
		return StatusDirectoryNotEmpty
	case NoDiskSpace:
		return StatusDiskFull
	case NotImplemented:
		return StatusNotImplemented
	case NotSupported:
		return StatusNotSupported
	default:
		return StatusUnsuccessful
	}
}

// IsCancellation reports whether code represents cooperative
// cancellation rather than a user-visible failure (spec §7: cancellation
// is not an error to the user unless something was actively waiting).
func (c Code) IsCancellation() bool {
	return c == DownloadStopped || c == UploadStopped
}
