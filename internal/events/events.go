// Package events implements the process-wide event bus described in
// spec §9 "Design Notes": a single tagged sum type Event{Kind, Fields,
// Level, AllowAsync} plus per-kind constructor helpers, replacing the
// teacher's (and the original C++ source's) deep CRTP/macro-generated
// event class hierarchy. A Bus is built with New and handed to its
// users; there is no package-level instance, and a Bus has no separate
// start or stop step.
package events

import (
	"strconv"
	"sync"

	"repertory/internal/rlog"
)

// Level mirrors the EventLevel config enum (spec §6).
type Level int

const (
	LevelCritical Level = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "critical"
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return "info"
	}
}

// ParseLevel maps a config string onto a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "critical":
		return LevelCritical
	case "error":
		return LevelError
	case "warn":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	default:
		return LevelInfo
	}
}

// Kind identifies an event's type. New kinds are added here rather
// than as new Go types, per spec §9.
type Kind string

const (
	KindFileUploadQueued       Kind = "file_upload_queued"
	KindFileUploadCompleted    Kind = "file_upload_completed"
	KindFileUploadFailed       Kind = "file_upload_failed"
	KindFilesystemItemOpened   Kind = "filesystem_item_opened"
	KindFilesystemItemAdded    Kind = "filesystem_item_added"
	KindFilesystemItemEvicted  Kind = "filesystem_item_evicted"
	KindItemTimeout            Kind = "item_timeout"
	KindDriveMounted           Kind = "drive_mounted"
	KindDriveUnmounted         Kind = "drive_unmounted"
	KindDownloadStored         Kind = "download_stored"
	KindDownloadRestored       Kind = "download_restored"
	KindDownloadBegin          Kind = "download_begin"
	KindDownloadEnd            Kind = "download_end"
	KindDownloadProgress       Kind = "download_progress"
)

// Event is the single tagged sum type carried over the bus.
type Event struct {
	Kind       Kind
	Fields     map[string]string
	Level      Level
	AllowAsync bool
}

// Field is a convenience getter returning "" for an absent key.
func (e Event) Field(key string) string {
	return e.Fields[key]
}

// --- per-kind constructor helpers -----------------------------------

func FileUploadQueued(apiPath string) Event {
	return Event{Kind: KindFileUploadQueued, Level: LevelInfo, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath}}
}

func FileUploadCompleted(apiPath string, cancelled bool) Event {
	return Event{Kind: KindFileUploadCompleted, Level: LevelInfo, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath, "cancelled": boolStr(cancelled)}}
}

func FileUploadFailed(apiPath string, reason string) Event {
	return Event{Kind: KindFileUploadFailed, Level: LevelError, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath, "reason": reason}}
}

func FilesystemItemOpened(apiPath string) Event {
	return Event{Kind: KindFilesystemItemOpened, Level: LevelDebug, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath}}
}

func FilesystemItemAdded(apiPath string, directory bool) Event {
	return Event{Kind: KindFilesystemItemAdded, Level: LevelInfo, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath, "directory": boolStr(directory)}}
}

func FilesystemItemEvicted(apiPath string) Event {
	return Event{Kind: KindFilesystemItemEvicted, Level: LevelInfo, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath}}
}

func ItemTimeout(apiPath string) Event {
	return Event{Kind: KindItemTimeout, Level: LevelWarn, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath}}
}

func DriveMounted(location string) Event {
	return Event{Kind: KindDriveMounted, Level: LevelInfo, AllowAsync: false,
		Fields: map[string]string{"location": location}}
}

func DriveUnmounted(location string) Event {
	return Event{Kind: KindDriveUnmounted, Level: LevelInfo, AllowAsync: false,
		Fields: map[string]string{"location": location}}
}

func DownloadStored(apiPath string) Event {
	return Event{Kind: KindDownloadStored, Level: LevelDebug, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath}}
}

func DownloadRestored(apiPath string) Event {
	return Event{Kind: KindDownloadRestored, Level: LevelDebug, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath}}
}

func DownloadBegin(apiPath string, chunk uint64) Event {
	return Event{Kind: KindDownloadBegin, Level: LevelTrace, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath, "chunk": uintStr(chunk)}}
}

func DownloadEnd(apiPath string, chunk uint64, errCode string) Event {
	return Event{Kind: KindDownloadEnd, Level: LevelTrace, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath, "chunk": uintStr(chunk), "error": errCode}}
}

func DownloadProgress(apiPath string, percent float64) Event {
	return Event{Kind: KindDownloadProgress, Level: LevelDebug, AllowAsync: true,
		Fields: map[string]string{"api_path": apiPath, "percent": floatStr(percent)}}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func uintStr(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func floatStr(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

// --- bus --------------------------------------------------------------

// Subscriber receives events synchronously unless the event's
// AllowAsync is honored by a particular Bus.Publish caller.
type Subscriber interface {
	OnEvent(Event)
}

// SubscriberFunc adapts a function to a Subscriber.
type SubscriberFunc func(Event)

func (f SubscriberFunc) OnEvent(e Event) { f(e) }

// Bus is the process-wide single-writer-many-readers event channel.
// It is constructed with New and delivers from then on; it has no Start
// or Stop method and is never a package-level implicit singleton
// (spec §9).
type Bus struct {
	mu          sync.RWMutex
	subscribers []Subscriber
	minLevel    Level
}

// New builds a Bus. minLevel filters events below the configured
// level (numerically greater Level values are more verbose).
func New(minLevel Level) *Bus {
	return &Bus{minLevel: minLevel}
}

// Subscribe registers a subscriber. Returns an unsubscribe func.
func (b *Bus) Subscribe(s Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, s)
	idx := len(b.subscribers) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if idx < len(b.subscribers) {
			b.subscribers = append(b.subscribers[:idx], b.subscribers[idx+1:]...)
		}
	}
}

// Publish delivers e to every subscriber whose filter accepts e.Level.
// An event whose AllowAsync is true is delivered to each subscriber
// from its own goroutine, so the publish call never blocks on a slow
// subscriber for it; other events are delivered synchronously, in
// subscription order.
func (b *Bus) Publish(e Event) {
	if e.Level > b.minLevel {
		return
	}
	b.mu.RLock()
	subs := make([]Subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, s := range subs {
		if e.AllowAsync {
			go s.OnEvent(e)
		} else {
			s.OnEvent(e)
		}
	}
}

// LoggingSubscriber re-emits every event through rlog at its level,
// the Go equivalent of the teacher's inline fs.Debugf/fs.Errorf calls
// at the point state mutates — centralized here instead of scattered
// at every call site, since the event already carries the subject and
// level.
type LoggingSubscriber struct{}

func (LoggingSubscriber) OnEvent(e Event) {
	subject := e.Field("api_path")
	if subject == "" {
		subject = string(e.Kind)
	}
	switch e.Level {
	case LevelCritical:
		rlog.Criticalf(subject, "%s %v", e.Kind, e.Fields)
	case LevelError:
		rlog.Errorf(subject, "%s %v", e.Kind, e.Fields)
	case LevelWarn:
		rlog.Warnf(subject, "%s %v", e.Kind, e.Fields)
	case LevelInfo:
		rlog.Infof(subject, "%s %v", e.Kind, e.Fields)
	case LevelDebug:
		rlog.Debugf(subject, "%s %v", e.Kind, e.Fields)
	default:
		rlog.Tracef(subject, "%s %v", e.Kind, e.Fields)
	}
}
