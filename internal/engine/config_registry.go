package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/voltgrid/chargepointd/internal/ocpp"
	"github.com/voltgrid/chargepointd/internal/storage"
)

// Well-known OCPP 1.6 configuration keys served by the registry.
const (
	KeyHeartbeatInterval        = "HeartbeatInterval"
	KeyMeterValueSampleInterval = "MeterValueSampleInterval"
	KeyConnectionTimeOut        = "ConnectionTimeOut"
	KeyNumberOfConnectors       = "NumberOfConnectors"
)

const configKVKey = "cfgkeys"

type configEntry struct {
	value    string
	readonly bool
}

// ConfigRegistry is the key-value configuration store behind
// GetConfiguration/ChangeConfiguration. Writable keys persist their
// overrides as one KV blob so they survive restarts.
type ConfigRegistry struct {
	kv   *storage.KV
	log  *zap.Logger
	keys map[string]configEntry
}

func NewConfigRegistry(kv *storage.KV, connectorCount int, log *zap.Logger) *ConfigRegistry {
	r := &ConfigRegistry{
		kv:  kv,
		log: log,
		keys: map[string]configEntry{
			KeyHeartbeatInterval:        {value: "300"},
			KeyMeterValueSampleInterval: {value: "60"},
			KeyConnectionTimeOut:        {value: "60"},
			KeyNumberOfConnectors:       {value: strconv.Itoa(connectorCount), readonly: true},
		},
	}
	r.loadOverrides()
	return r
}

func (r *ConfigRegistry) loadOverrides() {
	data, err := r.kv.Get(configKVKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Error("Failed to load configuration overrides", zap.Error(err))
		}
		return
	}
	var overrides map[string]string
	if err := json.Unmarshal(data, &overrides); err != nil {
		r.log.Error("Corrupt configuration overrides discarded", zap.Error(err))
		return
	}
	for key, value := range overrides {
		if entry, ok := r.keys[key]; ok && !entry.readonly {
			entry.value = value
			r.keys[key] = entry
		}
	}
}

func (r *ConfigRegistry) persistOverrides() error {
	overrides := make(map[string]string)
	for key, entry := range r.keys {
		if !entry.readonly {
			overrides[key] = entry.value
		}
	}
	data, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("engine: marshal configuration overrides: %w", err)
	}
	return r.kv.Put(configKVKey, data)
}

// Get returns the requested keys (all when the filter is empty) plus the
// list of unknown key names.
func (r *ConfigRegistry) Get(filter []string) ([]ocpp.KeyValue, []string) {
	names := filter
	if len(names) == 0 {
		names = make([]string, 0, len(r.keys))
		for key := range r.keys {
			names = append(names, key)
		}
		sort.Strings(names)
	}

	var known []ocpp.KeyValue
	var unknown []string
	for _, name := range names {
		entry, ok := r.keys[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		value := entry.value
		known = append(known, ocpp.KeyValue{Key: name, Readonly: entry.readonly, Value: &value})
	}
	return known, unknown
}

// GetInt returns a key's value as an integer, with a fallback for
// unparsable values.
func (r *ConfigRegistry) GetInt(key string, fallback int) int {
	entry, ok := r.keys[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(entry.value)
	if err != nil {
		return fallback
	}
	return n
}

// Set updates a writable key and persists the change. The returned string
// is the ChangeConfiguration status.
func (r *ConfigRegistry) Set(key, value string) string {
	entry, ok := r.keys[key]
	if !ok {
		return "NotSupported"
	}
	if entry.readonly {
		return ocpp.StatusRejected
	}
	if _, err := strconv.Atoi(value); err != nil {
		// All served keys are numeric.
		return ocpp.StatusRejected
	}

	entry.value = value
	r.keys[key] = entry
	if err := r.persistOverrides(); err != nil {
		r.log.Error("Failed to persist configuration change",
			zap.String("key", key),
			zap.Error(err),
		)
		return ocpp.StatusRejected
	}

	r.log.Info("Configuration key changed",
		zap.String("key", key),
		zap.String("value", value),
	)
	return ocpp.StatusAccepted
}
