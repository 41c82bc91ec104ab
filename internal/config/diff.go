package config

import (
	"reflect"
	"sort"
	"strings"

	logx "triggerd/pkg/logx"
)

// JobDiff lists job names by what a reload does to them. Changed jobs are
// restarted; disabled jobs count as absent.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool { return len(d.Added)+len(d.Removed)+len(d.Changed) == 0 }

// EnabledJobs indexes the enabled jobs of cfg by trimmed name.
func EnabledJobs(cfg *Config) map[string]JobConfig {
	out := map[string]JobConfig{}
	if cfg == nil {
		return out
	}
	for _, j := range cfg.Jobs {
		if !j.IsEnabled() {
			continue
		}
		out[strings.TrimSpace(j.Name)] = j
	}
	return out
}

// DiffJobs compares the enabled jobs of two configs by name and content hash.
func DiffJobs(oldCfg, newCfg *Config) JobDiff {
	oldJobs, newJobs := EnabledJobs(oldCfg), EnabledJobs(newCfg)
	var d JobDiff
	for name, nj := range newJobs {
		oj, ok := oldJobs[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case hashJSON(oj) != hashJSON(nj):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range oldJobs {
		if _, ok := newJobs[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// SummarizeConfigChange returns the changed sections and safe structured
// attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		driver := "none"
		if newCfg.Storage != nil && strings.TrimSpace(newCfg.Storage.Driver) != "" {
			driver = strings.TrimSpace(newCfg.Storage.Driver)
		}
		attrs = append(attrs, logx.String("storage.driver", driver))
	}
	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		attrs = append(attrs, logx.Bool("bus.tap", newCfg.Bus.Tap), logx.Int("bus.drop_log_rate", newCfg.Bus.DropLogRate))
	}
	if oldCfg.Supervisor != newCfg.Supervisor {
		changed = append(changed, "supervisor")
		attrs = append(attrs,
			logx.String("supervisor.stop_grace", newCfg.Supervisor.StopGrace),
			logx.String("supervisor.restart_backoff", newCfg.Supervisor.RestartBackoff),
		)
	}
	if !reflect.DeepEqual(oldCfg.Spawn, newCfg.Spawn) {
		changed = append(changed, "spawn")
		// env may hold secrets; log the count only
		attrs = append(attrs, logx.String("spawn.shell", newCfg.Spawn.Shell), logx.Int("spawn.env_count", len(newCfg.Spawn.Env)))
	}
	if d := DiffJobs(oldCfg, newCfg); !d.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Strings("jobs.added", d.Added),
			logx.Strings("jobs.removed", d.Removed),
			logx.Strings("jobs.changed", d.Changed),
		)
	}
	return changed, attrs
}
