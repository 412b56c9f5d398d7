package settings

import "sync"

type Arguments struct {
	// The file path to the catalog data files
	DataDir string

	// Directory for the commit journal files
	LogDir string

	ConfigFile string

	// The mode of operation
	// standalone, cluster
	Mode string

	// Strongly verbose logging
	Verbose bool

	// Print log messages to the screen as well as the log file
	PrintToScreen bool

	Debug bool

	Version string
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the global settings instance, creating it with
// defaults the first time it is requested.
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{
			DataDir: "./datafiles",
			LogDir:  "./log_files",
			Mode:    "standalone",
			Version: "0.0.1alpha",
		}
	})
	return instance
}
