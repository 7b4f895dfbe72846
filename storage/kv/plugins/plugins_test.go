package plugins_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/plugins"
	"github.com/jrife/docstore/storage/kv/plugins/memory"
)

type renamed struct {
	memory.Plugin
}

func (plugin *renamed) Name() string {
	return "custom"
}

func TestPluginManager(t *testing.T) {
	pluginManager := plugins.NewKVPluginManager(&renamed{})

	if diff := cmp.Diff([]string{"bbolt", "custom", "memory", "pebble", "sqlite"}, pluginManager.Names()); diff != "" {
		t.Fatal(diff)
	}

	if pluginManager.Plugin("custom") == nil {
		t.Fatal("expected the custom plugin to be registered")
	}

	if pluginManager.Plugin("nope") != nil {
		t.Fatal("expected no plugin named nope")
	}

	if plugins.Plugin("custom") != nil {
		t.Fatal("extra plugins must not leak into the global registry")
	}
}

func TestPathOptions(t *testing.T) {
	for _, name := range []string{"bbolt", "pebble", "sqlite"} {
		t.Run(name, func(t *testing.T) {
			plugin := plugins.Plugin(name)

			if _, err := plugin.NewBackend(kv.PluginOptions{}); err == nil {
				t.Fatal("expected an error when path is missing")
			}

			if _, err := plugin.NewBackend(kv.PluginOptions{"path": 42}); err == nil {
				t.Fatal("expected an error when path is not a string")
			}
		})
	}
}
