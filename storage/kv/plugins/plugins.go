package plugins

import (
	"github.com/jrife/docstore/storage/kv"
	"github.com/jrife/docstore/storage/kv/plugins/bbolt"
	"github.com/jrife/docstore/storage/kv/plugins/memory"
	"github.com/jrife/docstore/storage/kv/plugins/pebble"
	"github.com/jrife/docstore/storage/kv/plugins/sqlite"
)

// defaultManager holds the built in plugins only
var defaultManager = NewKVPluginManager()

func all() []kv.Plugin {
	var all []kv.Plugin

	all = append(all, memory.Plugins()...)
	all = append(all, bbolt.Plugins()...)
	all = append(all, pebble.Plugins()...)
	all = append(all, sqlite.Plugins()...)

	return all
}

// Plugin returns the built in plugin whose name matches
// the given name. It returns nil if no such plugin is found.
func Plugin(name string) kv.Plugin {
	return defaultManager.Plugin(name)
}

// Plugins lists all the built in plugins
func Plugins() []kv.Plugin {
	return defaultManager.Plugins()
}
