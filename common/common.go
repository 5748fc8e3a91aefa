package common

// Options carries the tool-wide settings read from flags, the config
// file, or the environment.
type Options struct {
	MiscPath string `json:"misc_path"`
	LogLevel uint64 `json:"log_level"`
	LogFile  string `json:"log_file"`
}
