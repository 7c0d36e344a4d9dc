package config

import "time"

var defaults = map[string]any{
	"logger.level": "info",
	"logger.json":  true,

	"database.driver": "sqlite",
	"database.dsn":    "crm.db",

	"telegram.enabled":              true,
	"telegram.token":                "",
	"telegram.admin_user_id":        0,
	"telegram.operator_chat_id":     0,
	"telegram.drop_pending_updates": false,
	"telegram.request_timeout":      30 * time.Second,

	"platform.base_url":              "",
	"platform.api_key":               "",
	"platform.timeout":               10 * time.Second,
	"platform.breaker_max_failures":  5,
	"platform.breaker_open_duration": 30 * time.Second,
	"platform.status_ids":            map[string]int64{},

	"webhook.enabled":          true,
	"webhook.listen_addr":      ":8080",
	"webhook.secret":           "",
	"webhook.operator_token":   "",
	"webhook.body_limit":       "2M",
	"webhook.shutdown_timeout": 10 * time.Second,

	"storage.backend":              "local",
	"storage.local_dir":            "media",
	"storage.public_base_url":      "http://localhost:8080/media",
	"storage.s3_bucket":            "",
	"storage.s3_region":            "us-east-1",
	"storage.s3_endpoint":          "",
	"storage.s3_access_key_id":     "",
	"storage.s3_secret_access_key": "",
	"storage.s3_use_path_style":    false,

	"broker.enabled":   false,
	"broker.url":       "",
	"broker.exchange":  "crm.events",
	"broker.pool_size": 4,

	"realtime.enabled": true,
	"realtime.buffer":  64,

	"relay.max_bytes": 20 << 20,
	"relay.timeout":   30 * time.Second,

	"merge.batch_limit": 200,
	"merge.min_age":     10 * time.Minute,

	"retry.max_attempts":     3,
	"retry.initial_interval": 200 * time.Millisecond,
	"retry.max_interval":     5 * time.Second,

	"scheduler.tasks.merge_sweep.enabled":      true,
	"scheduler.tasks.merge_sweep.schedule":     "0 */15 * * * *",
	"scheduler.tasks.sql_maintenance.enabled":  true,
	"scheduler.tasks.sql_maintenance.schedule": "0 30 3 * * *",

	"messages.welcome":            "👋 Hi! Send us a message and a manager will get back to you shortly.",
	"messages.error_unauthorized": "🚫 Access denied.",
	"messages.error_general":      "❌ Something went wrong. Please try again later.",
	"messages.sweep_started":      "🔄 Running contact merge sweep...",
}
