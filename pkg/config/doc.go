// Package config loads the authorization service configuration.
//
// Values are layered: built-in defaults, then an optional YAML file named
// by PAUTHZ_CONFIG_FILE, then PAUTHZ_* environment variables.
//
// # Environment
//
// Server settings:
//
//	PAUTHZ_HOST="0.0.0.0"
//	PAUTHZ_PORT="8080"
//	PAUTHZ_HEALTH_PORT="9090"
//	PAUTHZ_READ_TIMEOUT="15s"
//
// Storage settings:
//
//	PAUTHZ_STORAGE_TYPE="postgres"  # memory, postgres
//	PAUTHZ_POSTGRES_URL="postgres://localhost/portfolios"
//	PAUTHZ_POSTGRES_REPLICA_URLS="postgres://replica-1/portfolios,postgres://replica-2/portfolios"
//	PAUTHZ_RUN_MIGRATIONS="true"
//
// Cache settings:
//
//	PAUTHZ_CACHE_ENABLED="true"
//	PAUTHZ_CACHE_SIZE="10000"
//	PAUTHZ_REDIS_URL="redis://localhost:6379"
//
// Audit and invitations:
//
//	PAUTHZ_AUDIT_FILE_PATH="/var/log/portfolio-authz/audit"
//	PAUTHZ_AUDIT_S3_BUCKET="portfolio-audit"
//	PAUTHZ_AUDIT_ARCHIVE_SCHEDULE="@hourly"
//	PAUTHZ_INVITATION_TTL="168h"
//	PAUTHZ_INVITATION_SWEEP_SCHEDULE="@every 15m"
//
// Observability settings:
//
//	PAUTHZ_LOG_LEVEL="info"  # debug, info, warn, error
//	PAUTHZ_METRICS_ENABLED="true"
//	PAUTHZ_OTEL_ENABLED="true"
//	PAUTHZ_OTEL_ENDPOINT="otel-collector:4317"
//
// # YAML file
//
//	server:
//	  port: "8080"
//	storage:
//	  type: postgres
//	  postgres_url: postgres://localhost/portfolios
//	invitations:
//	  ttl: 72h
//	observability:
//	  log_level: debug
//
// Watch re-reads the file on change; the binary uses it to adjust the log
// level without a restart.
package config
