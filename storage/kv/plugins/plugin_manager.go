package plugins

import (
	"sort"

	"github.com/jrife/docstore/storage/kv"
)

// KVPluginManager lets a consumer retrieve a kv
// backend plugin by name. Config loading goes through
// a manager so tests can add plugins of their own.
type KVPluginManager struct {
	plugins []kv.Plugin
}

// NewKVPluginManager returns a KVPluginManager
// that is loaded with all supported plugins
// plus any extra ones passed in.
func NewKVPluginManager(extra ...kv.Plugin) *KVPluginManager {
	plugins := all()
	plugins = append(plugins, extra...)

	return &KVPluginManager{
		plugins: plugins,
	}
}

// Plugin returns the plugin whose name matches the given name.
// It returns nil if no such plugin is found. Later
// registrations win over earlier ones.
func (pluginManager *KVPluginManager) Plugin(name string) kv.Plugin {
	for i := len(pluginManager.plugins) - 1; i >= 0; i-- {
		if pluginManager.plugins[i].Name() == name {
			return pluginManager.plugins[i]
		}
	}

	return nil
}

// Plugins lists every plugin known to the manager
func (pluginManager *KVPluginManager) Plugins() []kv.Plugin {
	return pluginManager.plugins
}

// Names lists the names of every plugin in sorted order
func (pluginManager *KVPluginManager) Names() []string {
	names := make([]string, 0, len(pluginManager.plugins))
	seen := map[string]bool{}

	for _, plugin := range pluginManager.plugins {
		if seen[plugin.Name()] {
			continue
		}

		seen[plugin.Name()] = true
		names = append(names, plugin.Name())
	}

	sort.Strings(names)

	return names
}
