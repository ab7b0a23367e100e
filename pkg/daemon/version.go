package daemon

const (
	// Name is the program name of the daemon
	Name = "lvmdbusd"

	// Version is the version reported by the Manager object
	Version = "1.0.0"

	// DefaultConfigPath is read when it exists and no --config is given
	DefaultConfigPath = "/etc/lvmdbusd/config.yaml"
)
