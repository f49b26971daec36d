// Package archive implements the worker-side agent: attach the restored
// volume, mount it, and stream its contents into object storage. It runs
// inside the worker pool, one task per invocation.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/backup-export/internal/compress"
	"github.com/rowjay/backup-export/internal/cryptoutil"
	"github.com/rowjay/backup-export/internal/storage"
	"github.com/rowjay/backup-export/internal/util"
)

// Task names the volume to archive and the destination prefix inside the
// archiver's bucket.
type Task struct {
	VolumeID string
	Prefix   string
}

type attachAPI interface {
	AttachVolume(ctx context.Context, input *ec2.AttachVolumeInput, opts ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DetachVolume(ctx context.Context, input *ec2.DetachVolumeInput, opts ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
}

// Archiver attaches, reads, and uploads one volume at a time.
type Archiver struct {
	EC2        attachAPI
	Store      storage.Storage
	InstanceID string

	LockDir     string
	DeviceDir   string
	MountDir    string
	DeviceWait  time.Duration
	Compression string
	// EncryptionKey, when set, wraps the upload stream in DARE encryption.
	EncryptionKey string

	Log zerolog.Logger
}

// ParseS3Path splits "s3://bucket/prefix" into its parts.
func ParseS3Path(s string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(s, "s3://")
	if trimmed == s || trimmed == "" {
		return "", "", fmt.Errorf("invalid s3 path: %q", s)
	}
	bucket, prefix, _ = strings.Cut(trimmed, "/")
	if bucket == "" || prefix == "" {
		return "", "", fmt.Errorf("invalid s3 path: %q", s)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// Run archives one volume. The device letter is leased for the duration and
// the volume is detached on every exit path.
func (a *Archiver) Run(ctx context.Context, task Task) error {
	lease, err := LeaseDevice(a.LockDir)
	if err != nil {
		return err
	}
	defer lease.Release()

	attachName := "/dev/sd" + lease.Letter
	a.Log.Info().Str("volume", task.VolumeID).Str("device", attachName).Msg("attaching volume")
	_, err = a.EC2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(task.VolumeID),
		InstanceId: aws.String(a.InstanceID),
		Device:     aws.String(attachName),
	})
	if err != nil {
		return fmt.Errorf("attach volume %s: %w", task.VolumeID, err)
	}
	defer func() {
		_, derr := a.EC2.DetachVolume(context.Background(), &ec2.DetachVolumeInput{
			VolumeId: aws.String(task.VolumeID),
		})
		if derr != nil {
			a.Log.Warn().Err(derr).Str("volume", task.VolumeID).Msg("detach failed")
		}
	}()

	node, err := a.waitDevice(ctx, lease.Letter)
	if err != nil {
		return err
	}

	mountPoint := filepath.Join(a.MountDir, lease.Letter)
	if merr := a.mount(ctx, node, mountPoint); merr == nil {
		defer a.unmount(ctx, mountPoint)
		a.Log.Info().Str("device", node).Str("mount", mountPoint).Msg("archiving filesystem")
		return a.uploadTar(ctx, mountPoint, task.Prefix)
	}

	// No mountable filesystem; fall back to archiving the raw block device.
	a.Log.Warn().Str("device", node).Msg("mount failed, archiving raw device")
	return a.uploadRaw(ctx, node, task.Prefix)
}

// waitDevice waits for the attached volume's device node to appear. The
// attachment name uses sd<letter> but virtualized kernels expose xvd<letter>,
// so both are probed.
func (a *Archiver) waitDevice(ctx context.Context, letter string) (string, error) {
	candidates := []string{
		filepath.Join(a.DeviceDir, "xvd"+letter),
		filepath.Join(a.DeviceDir, "sd"+letter),
	}
	deadline := time.Now().Add(a.DeviceWait)
	for {
		for _, node := range candidates {
			if _, err := os.Stat(node); err == nil {
				return node, nil
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("device node for letter %s did not appear within %s", letter, a.DeviceWait)
		}
		select {
		case <-time.After(2 * time.Second):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (a *Archiver) mount(ctx context.Context, node, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o750); err != nil {
		return err
	}
	cmd := util.Command(ctx, "mount", []string{"-o", "ro", node, mountPoint}, nil)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount %s: %v: %s", node, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (a *Archiver) unmount(ctx context.Context, mountPoint string) {
	cmd := util.Command(ctx, "umount", []string{mountPoint}, nil)
	if out, err := cmd.CombinedOutput(); err != nil {
		a.Log.Warn().Err(err).Str("mount", mountPoint).Str("output", strings.TrimSpace(string(out))).Msg("unmount failed")
	}
}

// uploadTar streams a tar of the mounted filesystem into object storage.
func (a *Archiver) uploadTar(ctx context.Context, mountPoint, prefix string) error {
	cmd := util.Command(ctx, "tar", []string{"-cf", "-", "-C", mountPoint, "."}, nil)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tar: %w", err)
	}
	key := prefix + "/backup.tar" + a.extension()
	if err := a.upload(ctx, key, stdout); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("tar: %w", err)
	}
	return nil
}

// uploadRaw streams the raw block device into object storage.
func (a *Archiver) uploadRaw(ctx context.Context, node, prefix string) error {
	device, err := os.Open(node)
	if err != nil {
		return fmt.Errorf("open device %s: %w", node, err)
	}
	defer device.Close()
	key := prefix + "/rawbackup" + a.extension()
	return a.upload(ctx, key, device)
}

// upload pipes source through compression (and optional encryption) into the
// store, the producer and consumer joined by an errgroup.
func (a *Archiver) upload(ctx context.Context, key string, source io.Reader) error {
	pipeReader, pipeWriter := io.Pipe()
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer pipeReader.Close()
		return a.Store.Put(egCtx, key, pipeReader, -1, map[string]string{"bex-archive": "true"})
	})

	eg.Go(func() error {
		writer := io.Writer(pipeWriter)
		closers := []io.Closer{pipeWriter}
		compWriter, err := compress.WrapWriter(a.Compression, writer)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		writer = compWriter
		closers = append([]io.Closer{compWriter}, closers...)
		if a.EncryptionKey != "" {
			keyBytes, err := cryptoutil.ParseKey(a.EncryptionKey)
			if err != nil {
				_ = pipeWriter.CloseWithError(err)
				return err
			}
			encWriter, err := cryptoutil.EncryptWriter(writer, keyBytes)
			if err != nil {
				_ = pipeWriter.CloseWithError(err)
				return err
			}
			writer = encWriter
			closers = append([]io.Closer{encWriter}, closers...)
		}
		if _, err := io.Copy(writer, source); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return err
		}
		for _, c := range closers {
			if err := c.Close(); err != nil {
				_ = pipeWriter.CloseWithError(err)
				return err
			}
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	a.Log.Info().Str("key", key).Msg("archive uploaded")
	return nil
}

func (a *Archiver) extension() string {
	switch a.Compression {
	case compress.TypeZstd:
		return ".zst"
	default:
		return ".gz"
	}
}
