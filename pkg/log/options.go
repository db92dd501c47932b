package log

import "github.com/spf13/pflag"

// Options configures the process-wide logger.
type Options struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format is either console or json.
	Format string `json:"format,omitempty" mapstructure:"format"`

	// OutputPaths are zap sink URLs, "stdout" by default.
	OutputPaths []string `json:"output-paths,omitempty" mapstructure:"output-paths"`

	// File, when set, additionally writes json logs to a rotated file.
	File string `json:"file,omitempty" mapstructure:"file"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `json:"max-size,omitempty" mapstructure:"max-size"`

	// MaxBackups is the number of rotated files kept on disk.
	MaxBackups int `json:"max-backups,omitempty" mapstructure:"max-backups"`

	DisableCaller bool `json:"disable-caller,omitempty" mapstructure:"disable-caller"`
}

// NewOptions returns Options with defaults suitable for an interactive terminal.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      "console",
		OutputPaths: []string{"stdout"},
		MaxSizeMB:   10,
		MaxBackups:  3,
	}
}

// Validate reports option errors. The level is parsed lazily and falls back to info.
func (o *Options) Validate() []error {
	return nil
}

// AddFlags binds the options to fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Level, "log.level", o.Level, "Minimum log level (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log output format (console or json).")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log sinks, e.g. stdout or a file path.")
	fs.StringVar(&o.File, "log.file", o.File, "Optional rotated log file.")
	fs.IntVar(&o.MaxSizeMB, "log.max-size", o.MaxSizeMB, "Rotate the log file after this many megabytes.")
	fs.IntVar(&o.MaxBackups, "log.max-backups", o.MaxBackups, "Number of rotated log files to keep.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Do not annotate log lines with file:line.")
}
