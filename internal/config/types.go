package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Export        ExportConfig        `mapstructure:"export"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

type AWSConfig struct {
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	SessionToken string `mapstructure:"session_token"`
	Endpoint     string `mapstructure:"endpoint"`
}

// ExportConfig drives the export workflow itself.
type ExportConfig struct {
	Bucket             string        `mapstructure:"bucket"`
	AvailabilityZones  []string      `mapstructure:"availability_zones"`
	AutoDelete         bool          `mapstructure:"auto_delete"` // delete the recovery point after confirmed success
	ExportRoleArn      string        `mapstructure:"export_role_arn"`
	KMSKeyID           string        `mapstructure:"kms_key_id"`
	VolumePollInterval time.Duration `mapstructure:"volume_poll_interval"`
	ExportPollInterval time.Duration `mapstructure:"export_poll_interval"`
	DetachWait         time.Duration `mapstructure:"detach_wait"`
	DeleteRetries      int           `mapstructure:"delete_retries"`
	RetryCount         int           `mapstructure:"retry_count"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
}

// WorkerConfig configures both the dispatch side (queue selection) and the
// archival agent that runs inside the worker pool.
type WorkerConfig struct {
	Mode          string            `mapstructure:"mode"`   // batch or local
	Queues        map[string]string `mapstructure:"queues"` // availability zone -> job queue
	JobDefinition string            `mapstructure:"job_definition"`
	PollInterval  time.Duration     `mapstructure:"poll_interval"`
	InstanceID    string            `mapstructure:"instance_id"`
	LockDir       string            `mapstructure:"lock_dir"`
	DeviceDir     string            `mapstructure:"device_dir"`
	MountDir      string            `mapstructure:"mount_dir"`
	DeviceWait    time.Duration     `mapstructure:"device_wait"`
	Compression   string            `mapstructure:"compression"` // gzip or zstd
	Encryption    bool              `mapstructure:"encryption"`
	EncryptionKey string            `mapstructure:"encryption_key"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}
