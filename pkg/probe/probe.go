// Package probe reports the filesystem type of a block device.
//
// A missing type is a normal outcome (blank disks, swap, RAID members), so the
// prober never returns an error: any failure is logged and reported as "".
package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/automountd/pkg/utils"
)

const (
	// blkidNoSignature is blkid's exit status when no known signature was found
	blkidNoSignature = 2

	// DefaultMaxElapsedTime bounds retries for a device that is not ready yet
	DefaultMaxElapsedTime = 1 * time.Second

	// DefaultInitialInterval is the first retry delay
	DefaultInitialInterval = 100 * time.Millisecond
)

// Prober queries a device's filesystem type
type Prober interface {
	// Probe returns the filesystem type label of devicePath, or "" if unknown
	Probe(ctx context.Context, devicePath string) string
}

// ResultRecorder receives the outcome of each probe; implemented by observability.Metrics
type ResultRecorder interface {
	RecordProbe(result string)
}

// BlkidProber implements Prober using blkid
type BlkidProber struct {
	execCommand     func(ctx context.Context, name string, args ...string) *exec.Cmd
	maxElapsedTime  time.Duration
	initialInterval time.Duration
	recorder        ResultRecorder
}

// NewBlkidProber creates a prober backed by `blkid -o value -s TYPE`
func NewBlkidProber() *BlkidProber {
	return &BlkidProber{
		execCommand:     exec.CommandContext,
		maxElapsedTime:  DefaultMaxElapsedTime,
		initialInterval: DefaultInitialInterval,
	}
}

// SetRecorder sets an optional recorder for probe outcomes
func (p *BlkidProber) SetRecorder(r ResultRecorder) {
	p.recorder = r
}

// Probe implements Prober
func (p *BlkidProber) Probe(ctx context.Context, devicePath string) string {
	klog.V(4).Infof("Probing filesystem type of %s", devicePath)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialInterval
	bo.MaxElapsedTime = p.maxElapsedTime
	bo.RandomizationFactor = 0.1

	var fsType string
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		out, err := p.blkid(ctx, devicePath)
		if err != nil {
			if utils.IsTransientDeviceError(err) {
				klog.V(4).Infof("blkid %s attempt %d failed, retrying: %v", devicePath, attempt, err)
				return err
			}
			return backoff.Permanent(err)
		}
		fsType = out
		return nil
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil && fsType != "":
		klog.V(4).Infof("Device %s has filesystem %q", devicePath, fsType)
		p.record("found")
	case err == nil, errors.Is(err, errNoSignature):
		klog.V(4).Infof("Device %s has no recognizable filesystem", devicePath)
		p.record("none")
	default:
		klog.Warningf("Could not determine filesystem of %s after %d attempt(s): %v", devicePath, attempt, err)
		p.record("error")
	}
	return fsType
}

var errNoSignature = errors.New("no filesystem signature")

// blkid runs blkid once and classifies its result
func (p *BlkidProber) blkid(ctx context.Context, devicePath string) (string, error) {
	cmd := p.execCommand(ctx, "blkid", "-o", "value", "-s", "TYPE", devicePath)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == blkidNoSignature {
			return "", errNoSignature
		}
		msg := strings.TrimSpace(stderr.String())
		klog.V(5).Infof("blkid %s failed: %v, stderr: %s", devicePath, err, msg)
		return "", fmt.Errorf("%w: %v: %s", utils.ErrProbeFailed, err, msg)
	}

	klog.V(5).Infof("blkid %s output: %s", devicePath, string(output))
	// A device can carry more than one signature; the first line is the primary one
	fsType := strings.TrimSpace(string(output))
	if i := strings.IndexByte(fsType, '\n'); i >= 0 {
		fsType = strings.TrimSpace(fsType[:i])
	}
	return fsType, nil
}

func (p *BlkidProber) record(result string) {
	if p.recorder != nil {
		p.recorder.RecordProbe(result)
	}
}
