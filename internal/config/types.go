package config

// Config is the strict on-disk schema. Unknown fields are rejected; YAML
// files are coerced to JSON first so both formats share one decoder.
type Config struct {
	// CheckInterval is the dispatch tick period. A bare integer means
	// milliseconds; a string is a Go duration. Default 5000ms.
	CheckInterval FlexValue `json:"check_interval,omitempty"`

	// RateLimit is the global minimum spacing between successive (re)starts
	// of the same watched job. A bare integer means seconds; a string is a
	// Go duration. Omitted disables the gate.
	RateLimit FlexValue `json:"rate_limit,omitempty"`

	// Pid is an optional pid-file path written by the daemon at startup.
	Pid string `json:"pid,omitempty"`

	Logging LoggingConfig  `json:"logging,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`

	Schedule map[string]*JobConfig   `json:"schedule,omitempty"`
	Watch    map[string]*WatchConfig `json:"watch,omitempty"`

	// Declaration order of the schedule/watch sections, captured at parse
	// time; the dispatcher iterates jobs in this order.
	scheduleOrder []string
	watchOrder    []string
}

// ScheduleOrder returns the schedule job names in declaration order.
func (c *Config) ScheduleOrder() []string { return c.scheduleOrder }

// WatchOrder returns the watched job names in declaration order.
func (c *Config) WatchOrder() []string { return c.watchOrder }

// JobConfig is one scheduled job entry.
type JobConfig struct {
	Cmd  string `json:"cmd"`
	When string `json:"when"`

	// Args are dynamic-argument tokens appended to the command
	// ("last_run" is the only recognized token).
	Args []string `json:"args,omitempty"`

	Cwd    string            `json:"cwd,omitempty"`
	Output string            `json:"output,omitempty"`
	Env    map[string]string `json:"env,omitempty"`

	// ChainOn controls when this job runs if its trigger is "after <name>":
	// "always" (default) or "success".
	ChainOn string `json:"chain_on,omitempty"`
}

// WatchConfig is one watched (keep-alive) job entry.
type WatchConfig struct {
	Cmd    string            `json:"cmd"`
	Cwd    string            `json:"cwd,omitempty"`
	Output string            `json:"output,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console *bool       `json:"console,omitempty"` // default true
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the optional last-run persistence layer (sqlite).
// Omitted or empty path disables it.
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// NotifyConfig configures the notification sinks. With neither a mail
// recipient nor a telegram token set, notifications are logged only.
type NotifyConfig struct {
	// Admin and NotifyEmail are both mail recipients (either or both).
	Admin       string `json:"admin,omitempty"`
	NotifyEmail string `json:"notify_email,omitempty"`
	FromEmail   string `json:"from_email,omitempty"`

	SMTP     *SMTPConfig           `json:"smtp,omitempty"`
	Telegram *TelegramNotifyConfig `json:"telegram,omitempty"`

	RatePerSec int `json:"rate_per_sec,omitempty"` // default 3
	QueueSize  int `json:"queue_size,omitempty"`   // default 256
}

type SMTPConfig struct {
	Host     string `json:"host,omitempty"` // default localhost
	Port     string `json:"port,omitempty"` // default 25
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type TelegramNotifyConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}
