// Package cloud wraps the EC2 API calls the session lifecycle needs:
// launch, readiness polling, snapshot, terminate and password data.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"

	"github.com/testroom-dev/testroom/internal/poll"
)

var (
	// ErrProvision is returned when a launch request fails.
	ErrProvision = errors.New("cloud: launch failed")
	// ErrNotReady is returned when an instance never becomes addressable.
	ErrNotReady = errors.New("cloud: instance not ready")
	// ErrTermination is returned when EC2 definitively rejects a terminate.
	ErrTermination = errors.New("cloud: terminate failed")
)

// EC2API is the subset of *ec2.Client used here.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateImage(ctx context.Context, params *ec2.CreateImageInput, optFns ...func(*ec2.Options)) (*ec2.CreateImageOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	GetPasswordData(ctx context.Context, params *ec2.GetPasswordDataInput, optFns ...func(*ec2.Options)) (*ec2.GetPasswordDataOutput, error)
}

// LaunchInput describes one instance to start.
type LaunchInput struct {
	ImageID         string
	InstanceType    string
	KeyName         string
	SecurityGroupID string
	Tags            map[string]string
}

// Provisioner drives EC2 for one region.
type Provisioner struct {
	api EC2API

	// SnapshotDelay and SnapshotAttempts bound the wait for a new image.
	SnapshotDelay    time.Duration
	SnapshotAttempts int

	now func() time.Time
}

// NewProvisioner returns a Provisioner using api.
func NewProvisioner(api EC2API) *Provisioner {
	return &Provisioner{
		api:              api,
		SnapshotDelay:    15 * time.Second,
		SnapshotAttempts: 40,
		now:              time.Now,
	}
}

// Launch starts exactly one instance. It never retries: retrying a launch is
// the caller's decision.
func (p *Provisioner) Launch(ctx context.Context, in LaunchInput) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(in.ImageID),
		InstanceType: types.InstanceType(in.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}
	if in.KeyName != "" {
		input.KeyName = aws.String(in.KeyName)
	}
	if in.SecurityGroupID != "" {
		input.SecurityGroupIds = []string{in.SecurityGroupID}
	}
	if len(in.Tags) > 0 {
		tags := make([]types.Tag, 0, len(in.Tags))
		for k, v := range in.Tags {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}}
	}

	out, err := p.api.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvision, err)
	}
	if len(out.Instances) == 0 || aws.ToString(out.Instances[0].InstanceId) == "" {
		return "", fmt.Errorf("%w: no instance id in response", ErrProvision)
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	logr.FromContextOrDiscard(ctx).Info("launched instance", "instanceID", id, "imageID", in.ImageID)
	return id, nil
}

// AwaitReady polls until the instance is running with a public address.
// Describe errors are logged and polling continues.
func (p *Provisioner) AwaitReady(ctx context.Context, instanceID string, timeout, interval time.Duration) (string, error) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("instanceID", instanceID)

	var address string
	var lastState string
	err := poll.Until(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		inst, err := p.describe(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if inst.State != nil {
			lastState = string(inst.State.Name)
		}
		if lastState == string(types.InstanceStateNameRunning) && aws.ToString(inst.PublicIpAddress) != "" {
			address = aws.ToString(inst.PublicIpAddress)
			return true, nil
		}
		return false, nil
	}, func(attempt int, err error) {
		if err != nil {
			logger.Info("describe failed, retrying", "attempt", attempt, "error", err.Error())
			return
		}
		logger.V(1).Info("instance not ready", "attempt", attempt, "state", lastState)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s (last state %q): %w", ErrNotReady, instanceID, lastState, err)
	}

	logger.Info("instance ready", "address", address)
	return address, nil
}

// InstanceState returns the current EC2 state name, e.g. "running".
func (p *Provisioner) InstanceState(ctx context.Context, instanceID string) (string, error) {
	inst, err := p.describe(ctx, instanceID)
	if err != nil {
		if isNotFound(err) {
			return string(types.InstanceStateNameTerminated), nil
		}
		return "", err
	}
	if inst.State == nil {
		return "", nil
	}
	return string(inst.State.Name), nil
}

func (p *Provisioner) describe(ctx context.Context, instanceID string) (*types.Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, err
	}
	for _, r := range out.Reservations {
		for i := range r.Instances {
			if aws.ToString(r.Instances[i].InstanceId) == instanceID {
				return &r.Instances[i], nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s not in describe response", instanceID)
}

// Snapshot captures the instance to a new image without rebooting it and
// waits for the image to become available. Failures are logged and reported
// as ok=false; they never block teardown. When the image was created but the
// wait gave up, its id is still returned.
func (p *Provisioner) Snapshot(ctx context.Context, instanceID, nameHint string) (string, bool) {
	logger := logr.FromContextOrDiscard(ctx).WithValues("instanceID", instanceID)

	name := nameHint + "-ami-" + strconv.FormatInt(p.now().Unix(), 10)
	out, err := p.api.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId: aws.String(instanceID),
		Name:       aws.String(name),
		NoReboot:   aws.Bool(true),
	})
	if err != nil {
		logger.Error(err, "create image failed")
		return "", false
	}
	imageID := aws.ToString(out.ImageId)
	if imageID == "" {
		logger.Info("create image returned no image id")
		return "", false
	}

	waiter := ec2.NewImageAvailableWaiter(p.api, func(o *ec2.ImageAvailableWaiterOptions) {
		o.MinDelay = p.SnapshotDelay
		o.MaxDelay = p.SnapshotDelay
	})
	maxWait := p.SnapshotDelay * time.Duration(p.SnapshotAttempts)
	if err := waiter.Wait(ctx, &ec2.DescribeImagesInput{ImageIds: []string{imageID}}, maxWait); err != nil {
		logger.Error(err, "image did not become available", "imageID", imageID)
		return imageID, false
	}

	logger.Info("snapshot available", "imageID", imageID, "name", name)
	return imageID, true
}

// Terminate requests instance termination. An instance that no longer
// exists counts as terminated.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	_, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		if isNotFound(err) {
			logr.FromContextOrDiscard(ctx).Info("instance already gone", "instanceID", instanceID)
			return nil
		}
		return fmt.Errorf("%w: %s: %w", ErrTermination, instanceID, err)
	}
	logr.FromContextOrDiscard(ctx).Info("terminated instance", "instanceID", instanceID)
	return nil
}

// PasswordData returns the base64 encrypted Windows administrator password,
// or "" while EC2 has not generated it yet.
func (p *Provisioner) PasswordData(ctx context.Context, instanceID string) (string, error) {
	out, err := p.api.GetPasswordData(ctx, &ec2.GetPasswordDataInput{
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.PasswordData), nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
			return true
		}
	}
	return false
}
