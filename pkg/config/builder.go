package config

import "time"

// BuilderConfig holds runtime configuration for the build pipeline.
type BuilderConfig struct {
	Workdir           string
	PublishRoot       string
	UploadDir         string
	UploadMaxBytes    int64
	BuildTimeout      time.Duration
	ProbeTimeout      time.Duration
	ArchiveMaxEntries int
	ArchiveMaxBytes   int64
	StageMaxFiles     int
	StageMaxBytes     int64
	BuildLogMaxBytes  int
	Concurrency       int
	KeepWorkspaces    bool
	StaleAfter        time.Duration
	JanitorInterval   time.Duration
	WorkspaceTTL      time.Duration
}

// LoadBuilderConfig constructs a BuilderConfig from environment variables.
func LoadBuilderConfig() BuilderConfig {
	buildTimeout := GetSeconds("BUILD_TIMEOUT_SECONDS", 600)
	return BuilderConfig{
		Workdir:           GetString("BUILDER_WORKDIR", "/tmp/localvercel/work"),
		PublishRoot:       GetString("PUBLISH_ROOT", "data/public"),
		UploadDir:         GetString("UPLOAD_DIR", "/tmp/localvercel/uploads"),
		UploadMaxBytes:    GetInt64("UPLOAD_MAX_BYTES", 100<<20),
		BuildTimeout:      buildTimeout,
		ProbeTimeout:      GetSeconds("PKG_PROBE_TIMEOUT_SECONDS", 10),
		ArchiveMaxEntries: GetInt("ARCHIVE_MAX_ENTRIES", 50000),
		ArchiveMaxBytes:   GetInt64("ARCHIVE_MAX_BYTES", 1<<30),
		StageMaxFiles:     GetInt("STAGE_MAX_FILES", 20000),
		StageMaxBytes:     GetInt64("STAGE_MAX_BYTES", 512<<20),
		BuildLogMaxBytes:  GetInt("BUILD_LOG_MAX_BYTES", 64<<10),
		Concurrency:       GetInt("DEPLOY_CONCURRENCY", 4),
		KeepWorkspaces:    GetBool("KEEP_WORKSPACES", false),
		StaleAfter:        time.Duration(GetInt("STALE_DEPLOYMENT_AFTER_SECONDS", int(2*buildTimeout/time.Second))) * time.Second,
		JanitorInterval:   GetSeconds("JANITOR_INTERVAL_SECONDS", 300),
		WorkspaceTTL:      GetSeconds("WORKSPACE_TTL_SECONDS", 3600),
	}
}
