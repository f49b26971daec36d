package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/backup"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/backup-export/internal/archive"
	"github.com/rowjay/backup-export/internal/awsclient"
	"github.com/rowjay/backup-export/internal/config"
	"github.com/rowjay/backup-export/internal/dispatch"
	"github.com/rowjay/backup-export/internal/event"
	"github.com/rowjay/backup-export/internal/lock"
	"github.com/rowjay/backup-export/internal/logging"
	"github.com/rowjay/backup-export/internal/metadata"
	"github.com/rowjay/backup-export/internal/notify"
	"github.com/rowjay/backup-export/internal/state"
	"github.com/rowjay/backup-export/internal/storage"
	"github.com/rowjay/backup-export/internal/util"
	"github.com/rowjay/backup-export/internal/version"
	"github.com/rowjay/backup-export/internal/workflow"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	Region      string
	Bucket      string
	AutoDelete  string
	WorkerMode  string
	InstanceID  string
	StorageKind string
	StoragePath string
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	ExportRole  string
	KMSKeyID    string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:   "bex",
		Short: "Archive completed AWS Backup jobs to object storage",
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.Region, "region", "", "AWS region")
	rootCmd.PersistentFlags().StringVar(&overrides.Bucket, "bucket", "", "Destination bucket for exports")
	rootCmd.PersistentFlags().StringVar(&overrides.AutoDelete, "auto-delete", "", "Delete the recovery point after success (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.WorkerMode, "worker-mode", "", "Worker dispatch mode (batch, local)")
	rootCmd.PersistentFlags().StringVar(&overrides.InstanceID, "instance-id", "", "Worker instance id for volume attachment")
	rootCmd.PersistentFlags().StringVar(&overrides.StorageKind, "storage", "", "Checkpoint storage backend (local, s3)")
	rootCmd.PersistentFlags().StringVar(&overrides.StoragePath, "storage-path", "", "Local checkpoint storage path")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "Checkpoint S3 endpoint")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "Checkpoint S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "Checkpoint S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "Checkpoint S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.ExportRole, "export-role-arn", "", "IAM role for provider export tasks")
	rootCmd.PersistentFlags().StringVar(&overrides.KMSKeyID, "kms-key-id", "", "KMS key for provider export tasks")

	rootCmd.AddCommand(newRunCmd(root, overrides))
	rootCmd.AddCommand(newResumeCmd(root, overrides))
	rootCmd.AddCommand(newWorkerCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var eventPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one backup-completion event",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			payload, err := readEvent(eventPath)
			if err != nil {
				return err
			}
			job, err := event.Parse(payload)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()

			if cfg.Global.LockFile != "" {
				guard, lerr := lock.Acquire(cfg.Global.LockFile)
				if lerr != nil {
					return lerr
				}
				defer guard.Release()
			}

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			if err := event.VerifyBucketOwnership(ctx, s3.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg), cfg.Export.Bucket); err != nil {
				return err
			}

			resolver := &metadata.Resolver{
				EC2:    ec2.NewFromConfig(awsCfg),
				RDS:    rds.NewFromConfig(awsCfg),
				Dynamo: dynamodb.NewFromConfig(awsCfg),
				Bucket: cfg.Export.Bucket,
				Zones:  cfg.Export.AvailabilityZones,
				Rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
			}
			snap, err := resolver.Resolve(ctx, job)
			if err != nil {
				return err
			}

			engine, err := buildEngine(cfg, awsCfg, logger)
			if err != nil {
				return err
			}
			if err := engine.Run(ctx, snap); err != nil {
				return err
			}
			logger.Info().Str("job", job.JobID).Str("prefix", snap.S3Prefix).Msg("export completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&eventPath, "event", "-", "Backup-completion event JSON (path or - for stdin)")
	return cmd
}

func newResumeCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var jobID string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted export from its checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobID == "" {
				return fmt.Errorf("--job is required")
			}
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			engine, err := buildEngine(cfg, awsCfg, logger)
			if err != nil {
				return err
			}
			if err := engine.Resume(ctx, jobID); err != nil {
				return err
			}
			logger.Info().Str("job", jobID).Msg("export completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "Backup job id to resume")
	return cmd
}

func newWorkerCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var volume string
	var s3path string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Archive one restored volume (runs inside the worker pool)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if volume == "" || s3path == "" {
				return fmt.Errorf("--volume and --s3path are required")
			}
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			for _, tool := range []string{"mount", "umount", "tar"} {
				if err := util.RequireBinary(tool); err != nil {
					return err
				}
			}
			if cfg.Worker.InstanceID == "" {
				return fmt.Errorf("worker.instance_id is required to attach volumes")
			}
			for _, path := range archive.StaleLocks(cfg.Worker.LockDir) {
				logger.Warn().Str("lock", path).Msg("stale device lock from an unclean shutdown")
			}

			bucket, prefix, err := archive.ParseS3Path(s3path)
			if err != nil {
				return err
			}
			store, err := archiveStore(cfg, bucket)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			archiver := newArchiver(cfg, ec2.NewFromConfig(awsCfg), store, logger)
			if err := archiver.Run(ctx, archive.Task{VolumeID: volume, Prefix: prefix}); err != nil {
				return err
			}
			logger.Info().Str("volume", volume).Str("s3path", s3path).Msg("archive completed")
			return nil
		},
	}

	cmd.Flags().StringVar(&volume, "volume", "", "Volume id to archive")
	cmd.Flags().StringVar(&s3path, "s3path", "", "Destination (s3://bucket/prefix)")
	return cmd
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, credentials, and bucket ownership",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			if cfg.Export.Bucket == "" {
				return fmt.Errorf("export.bucket is required")
			}
			if len(cfg.Export.AvailabilityZones) == 0 {
				return fmt.Errorf("export.availability_zones is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			awsCfg, err := awsclient.Load(ctx, cfg.AWS)
			if err != nil {
				return err
			}
			if err := event.VerifyBucketOwnership(ctx, s3.NewFromConfig(awsCfg), sts.NewFromConfig(awsCfg), cfg.Export.Bucket); err != nil {
				return err
			}
			store, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}
			if _, err := store.List(ctx, cfg.Storage.Prefix); err != nil {
				return err
			}
			logger.Info().Msg("validation succeeded")
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bex %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func buildEngine(cfg *config.Config, awsCfg aws.Config, logger zerolog.Logger) (*workflow.Engine, error) {
	backend, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, err
	}
	dispatcher, err := buildDispatcher(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}
	return &workflow.Engine{
		Volumes:     ec2.NewFromConfig(awsCfg),
		RDS:         rds.NewFromConfig(awsCfg),
		Dynamo:      dynamodb.NewFromConfig(awsCfg),
		Recovery:    backup.NewFromConfig(awsCfg),
		Dispatcher:  dispatcher,
		Checkpoints: state.NewStore(backend, cfg.Storage.Prefix),
		Notifier:    notify.FromConfig(cfg.Notifications),
		Log:         logger,
		Cfg:         cfg.Export,
	}, nil
}

func buildDispatcher(cfg *config.Config, awsCfg aws.Config, logger zerolog.Logger) (dispatch.Dispatcher, error) {
	switch cfg.Worker.Mode {
	case "batch", "":
		return &dispatch.Batch{
			Client:        batch.NewFromConfig(awsCfg),
			Queues:        cfg.Worker.Queues,
			JobDefinition: cfg.Worker.JobDefinition,
			PollInterval:  cfg.Worker.PollInterval,
		}, nil
	case "local":
		ec2Client := ec2.NewFromConfig(awsCfg)
		return &dispatch.Local{
			Run: func(ctx context.Context, task dispatch.Task) error {
				bucket, prefix, err := archive.ParseS3Path(task.S3Path)
				if err != nil {
					return err
				}
				store, err := archiveStore(cfg, bucket)
				if err != nil {
					return err
				}
				archiver := newArchiver(cfg, ec2Client, store, logger)
				return archiver.Run(ctx, archive.Task{VolumeID: task.Volume, Prefix: prefix})
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported worker mode: %s", cfg.Worker.Mode)
	}
}

func newArchiver(cfg *config.Config, ec2Client *ec2.Client, store storage.Storage, logger zerolog.Logger) *archive.Archiver {
	key := ""
	if cfg.Worker.Encryption {
		key = cfg.Worker.EncryptionKey
	}
	return &archive.Archiver{
		EC2:           ec2Client,
		Store:         store,
		InstanceID:    cfg.Worker.InstanceID,
		LockDir:       cfg.Worker.LockDir,
		DeviceDir:     cfg.Worker.DeviceDir,
		MountDir:      cfg.Worker.MountDir,
		DeviceWait:    cfg.Worker.DeviceWait,
		Compression:   cfg.Worker.Compression,
		EncryptionKey: key,
		Log:           logger,
	}
}

// archiveStore builds the object-storage client for the export destination.
// The bucket comes from the task payload, not the checkpoint configuration.
func archiveStore(cfg *config.Config, bucket string) (storage.Storage, error) {
	if cfg.Storage.Backend == "local" || cfg.Storage.Backend == "" {
		return storage.NewLocal(cfg.Storage.Local.Path), nil
	}
	s := cfg.Storage.S3
	return storage.NewS3(s.Endpoint, s.Region, bucket, s.AccessKey, s.SecretKey, s.SessionToken, s.UseSSL, s.ForcePathStyle, s.TLSInsecureSkip)
}

func readEvent(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.Region != "" {
		cfg.AWS.Region = overrides.Region
	}
	if overrides.Bucket != "" {
		cfg.Export.Bucket = overrides.Bucket
	}
	if overrides.AutoDelete != "" {
		cfg.Export.AutoDelete = overrides.AutoDelete == "true" || overrides.AutoDelete == "1"
	}
	if overrides.WorkerMode != "" {
		cfg.Worker.Mode = overrides.WorkerMode
	}
	if overrides.InstanceID != "" {
		cfg.Worker.InstanceID = overrides.InstanceID
	}
	if overrides.StorageKind != "" {
		cfg.Storage.Backend = overrides.StorageKind
	}
	if overrides.StoragePath != "" {
		cfg.Storage.Local.Path = overrides.StoragePath
	}
	if overrides.S3Endpoint != "" {
		cfg.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.ExportRole != "" {
		cfg.Export.ExportRoleArn = overrides.ExportRole
	}
	if overrides.KMSKeyID != "" {
		cfg.Export.KMSKeyID = overrides.KMSKeyID
	}
}
