package config

import (
	"fmt"
	"os"
	"strconv"
)

// EnvPrefix namespaces every recognized environment variable.
const EnvPrefix = "TASKMESH_"

// ApplyEnv overlays recognized TASKMESH_* environment variables onto the
// config. Environment values outrank file values. Unparseable values are
// an error rather than a silent fallback.
func (c *Config) ApplyEnv() error {
	var err error

	setInt := func(key string, dst *int) {
		raw, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		v, perr := strconv.Atoi(raw)
		if perr != nil {
			err = fmt.Errorf("parse %s%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = v
	}
	setFloat := func(key string, dst *float64) {
		raw, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		v, perr := strconv.ParseFloat(raw, 64)
		if perr != nil {
			err = fmt.Errorf("parse %s%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = v
	}
	setBool := func(key string, dst *bool) {
		raw, ok := os.LookupEnv(EnvPrefix + key)
		if !ok || err != nil {
			return
		}
		v, perr := strconv.ParseBool(raw)
		if perr != nil {
			err = fmt.Errorf("parse %s%s: %w", EnvPrefix, key, perr)
			return
		}
		*dst = v
	}
	setString := func(key string, dst *string) {
		if raw, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = raw
		}
	}

	setInt("MESSAGE_TIMEOUT_MS", &c.Mesh.MessageTimeoutMs)
	setInt("HEARTBEAT_INTERVAL_MS", &c.Mesh.HeartbeatIntervalMs)
	setInt("HEARTBEAT_TIMEOUT_MS", &c.Mesh.HeartbeatTimeoutMs)
	setInt("MAX_RETRIES", &c.Mesh.MaxRetries)
	setInt("COMPRESSION_THRESHOLD", &c.Mesh.CompressionThreshold)
	setBool("ENABLE_COMPRESSION", &c.Mesh.EnableCompression)
	setInt("BATCH_SIZE", &c.Mesh.BatchSize)
	setInt("BATCH_INTERVAL_MS", &c.Mesh.BatchIntervalMs)
	setInt("MAX_CONCURRENT_PER_NODE", &c.Mesh.MaxConcurrentPerNode)
	setInt("TASK_TIMEOUT_MS", &c.Mesh.TaskTimeoutMs)
	setString("DETERMINISTIC_SEED", &c.Mesh.DeterministicSeed)
	setInt("MONITORING_INTERVAL_MS", &c.Mesh.MonitoringIntervalMs)
	setFloat("ALERT_CPU_WARNING", &c.Mesh.AlertCPUWarning)
	setFloat("ALERT_CPU_CRITICAL", &c.Mesh.AlertCPUCritical)
	setFloat("ALERT_MEMORY_WARNING", &c.Mesh.AlertMemoryWarning)
	setFloat("ALERT_MEMORY_CRITICAL", &c.Mesh.AlertMemoryCritical)
	setString("ROUTING_STRATEGY", &c.Mesh.RoutingStrategy)
	setInt("DEDUP_WINDOW", &c.Mesh.DedupWindow)
	setInt("OFFLINE_EVICTION_MULTIPLIER", &c.Mesh.OfflineEvictionMultiplier)
	setString("NATS_URL", &c.NATS.URL)
	setString("METRICS_ADDR", &c.Metrics.Addr)
	setString("NODES_FILE", &c.NodesFile)
	setString("WORKFLOWS_FILE", &c.WorkflowsFile)

	return err
}
