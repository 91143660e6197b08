package main

import (
	"encoding/json"
	"fmt"
	"time"

	"repertory/internal/eviction"
	"repertory/internal/events"
	"repertory/internal/filedb"
	"repertory/internal/httpapi"
	"repertory/internal/metadb"
	"repertory/internal/mount"
	"repertory/internal/openfiletable"
	"repertory/internal/provider"
	"repertory/internal/rconfig"
	"repertory/internal/rlog"
	"repertory/internal/uploaddb"
	"repertory/internal/uploadmgr"
)

// instance bundles every long-lived component cmd/repertory wires
// together for one mounted provider, mirroring how Table/Manager/Loop
// are handed a shared *metadb.DB/*filedb.DB/*events.Bus elsewhere in
// this module's tests.
type instance struct {
	cfgStore *rconfig.Store
	prov     provider.Provider
	meta     *metadb.DB
	files    *filedb.DB
	resume   *uploaddb.DB
	bus      *events.Bus
	uploads  *uploadmgr.Manager
	table    *openfiletable.Table
	evictor  *eviction.Loop
	api      *httpapi.Server
	fs       *mount.Filesystem
}

// providerRawConfig picks the provider sub-object field matching name
// out of cfg (spec §6: S3Config/HostConfig/EncryptConfig/RemoteConfig are
// opaque to the core and keyed by provider kind).
func providerRawConfig(cfg rconfig.Config, name string) []byte {
	var raw json.RawMessage
	switch name {
	case "s3":
		raw = cfg.S3Config
	case "sia":
		raw = cfg.HostConfig
	case "encrypt":
		raw = cfg.EncryptConfig
	case "remote":
		raw = cfg.RemoteConfig
	}
	return raw
}

func newInstance(dataDir, providerType string, readOnly bool) (*instance, error) {
	cfgStore, err := rconfig.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	cfg := cfgStore.Get()

	rlog.SetLevel(cfg.EventLevel)

	prov, err := provider.New(providerType, providerRawConfig(cfg, providerType))
	if err != nil {
		return nil, fmt.Errorf("building %s provider: %w", providerType, err)
	}

	meta, err := metadb.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening meta db: %w", err)
	}
	files, err := filedb.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening file db: %w", err)
	}
	resume, err := uploaddb.Open(dataDir)
	if err != nil {
		return nil, fmt.Errorf("opening upload db: %w", err)
	}

	bus := events.New(events.ParseLevel(cfg.EventLevel))
	bus.Subscribe(events.LoggingSubscriber{})

	uploads := uploadmgr.New(resume, prov, meta, bus, int(cfg.MaxUploadCount), int(cfg.RetryReadCount))

	tableOpts := openfiletable.Options{
		ChunkSize:      uint64(cfg.ChunkSize),
		RingSize:       uint(cfg.RingBufferFileSize),
		DownloadType:   cfg.PreferredDownloadType,
		IdleTimeout:    time.Duration(cfg.LowFrequencyIntervalSecs) * time.Second,
		SweepInterval:  time.Duration(cfg.LowFrequencyIntervalSecs) * time.Second,
		CacheDirectory: cfg.CacheDirectory,
	}
	table := openfiletable.New(prov, tableOpts, meta, uploads, resume, files, bus)

	evictor := eviction.New(eviction.Options{
		CacheDirectory:    cfg.CacheDirectory,
		MaxCacheSizeBytes: cfg.MaxCacheSizeBytes,
		UseAccessedTime:   cfg.EvictionUsesAccessedTime,
		ScanInterval:      time.Duration(cfg.LowFrequencyIntervalSecs) * time.Second,
	}, table, meta, files, resume, bus)

	apiAddr := fmt.Sprintf(":%d", cfg.ApiPort)
	api := httpapi.New(apiAddr, cfg.ApiUser, cfg.ApiAuth, prov, cfgStore)

	fs := mount.New(table, prov, meta, uploads, readOnly)

	return &instance{
		cfgStore: cfgStore,
		prov:     prov,
		meta:     meta,
		files:    files,
		resume:   resume,
		bus:      bus,
		uploads:  uploads,
		table:    table,
		evictor:  evictor,
		api:      api,
		fs:       fs,
	}, nil
}

func (in *instance) start() error {
	if err := in.uploads.Start(); err != nil {
		return fmt.Errorf("starting upload manager: %w", err)
	}
	in.table.Start()
	if in.cfgStore.Get().EnableMaxCacheSize {
		in.evictor.Start()
	}
	go func() {
		if err := in.api.ListenAndServe(); err != nil {
			rlog.Errorf("instance", "management api: %v", err)
		}
	}()
	return nil
}

func (in *instance) stop() {
	_ = in.api.Shutdown()
	in.evictor.Stop()
	in.table.Stop()
	in.uploads.Stop()
	_ = in.meta.Close()
	_ = in.files.Close()
	_ = in.resume.Close()
}
