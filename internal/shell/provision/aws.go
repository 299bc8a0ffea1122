package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	smithy "github.com/aws/smithy-go"
)

// =============================================================================
// AWS Driver
// =============================================================================

// AWSDriver provisions one dedicated EC2-hosted postgres server per
// sub-resource. The server bootstraps postgres with the target's database,
// role and a seed-derived password via cloud-init user data.
type AWSDriver struct {
	accessKeyID     string
	secretAccessKey string
	region          string
	instanceType    string
	sshPublicKey    string
	seed            string
	logger          *slog.Logger
}

// AWSDriverOptions configures an AWS driver.
type AWSDriverOptions struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	InstanceType    string // default t3.micro
	SSHPublicKey    string // optional operator access key
	CredentialSeed  string
}

// NewAWSDriver creates an AWS EC2 driver.
func NewAWSDriver(opts AWSDriverOptions, logger *slog.Logger) *AWSDriver {
	if opts.InstanceType == "" {
		opts.InstanceType = "t3.micro"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AWSDriver{
		accessKeyID:     opts.AccessKeyID,
		secretAccessKey: opts.SecretAccessKey,
		region:          opts.Region,
		instanceType:    opts.InstanceType,
		sshPublicKey:    opts.SSHPublicKey,
		seed:            opts.CredentialSeed,
		logger:          logger.With("driver", DriverAWS),
	}
}

// Name returns the driver identifier.
func (d *AWSDriver) Name() string { return DriverAWS }

func (d *AWSDriver) newClient() *ec2.Client {
	return ec2.New(ec2.Options{
		Region:      d.region,
		Credentials: credentials.NewStaticCredentialsProvider(d.accessKeyID, d.secretAccessKey, ""),
	})
}

// EnsureDatabase launches the EC2 instance for the target if none is live.
// The instance installs postgres and creates the database and role on first
// boot, so there is no separate database-creation call.
func (d *AWSDriver) EnsureDatabase(ctx context.Context, target Target) error {
	client := d.newClient()
	name := ResourceName(target)

	existing, err := d.findInstance(ctx, client, name)
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverAWS, name, "failed to look up instance", err)
	}
	if existing != nil {
		return nil
	}

	// Import the SSH key (idempotent: delete existing key first if present)
	if d.sshPublicKey != "" {
		keyName := name
		_, _ = client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyName: aws.String(keyName),
		})
		if _, err := client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(keyName),
			PublicKeyMaterial: []byte(d.sshPublicKey),
		}); err != nil {
			return NewProvisionError("EnsureDatabase", DriverAWS, name, "failed to import SSH key", err)
		}
	}

	sgID, err := d.ensureSecurityGroup(ctx, client, name)
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverAWS, name, "failed to prepare security group", err)
	}

	// Find latest Ubuntu 22.04 AMI
	amiOut, err := client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{"ubuntu/images/hvm-ssd/ubuntu-jammy-22.04-amd64-server-*"}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
		Owners: []string{"099720109477"}, // Canonical
	})
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverAWS, name, "failed to find Ubuntu AMI", err)
	}
	if len(amiOut.Images) == 0 {
		return NewProvisionError("EnsureDatabase", DriverAWS, name, "no Ubuntu AMI found", nil)
	}
	ami := amiOut.Images[0]
	for _, img := range amiOut.Images[1:] {
		if aws.ToString(img.CreationDate) > aws.ToString(ami.CreationDate) {
			ami = img
		}
	}

	userData := postgresInstallUserData(DatabaseName(target), UserName(target), derivePassword(d.seed, target))

	runInput := &ec2.RunInstancesInput{
		ImageId:          ami.ImageId,
		InstanceType:     ec2types.InstanceType(d.instanceType),
		SecurityGroupIds: []string{sgID},
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
		UserData:         aws.String(userData),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(name)},
					{Key: aws.String("ManagedBy"), Value: aws.String("slipway")},
					{Key: aws.String("slipway.project"), Value: aws.String(target.Project)},
					{Key: aws.String("slipway.instance"), Value: aws.String(target.Instance)},
					{Key: aws.String("slipway.sub-resource"), Value: aws.String(target.SubResource)},
				},
			},
		},
	}
	if d.sshPublicKey != "" {
		runInput.KeyName = aws.String(name)
	}

	runOut, err := client.RunInstances(ctx, runInput)
	if err != nil {
		return NewProvisionError("EnsureDatabase", DriverAWS, name, "failed to launch instance", err)
	}
	if len(runOut.Instances) == 0 {
		return NewProvisionError("EnsureDatabase", DriverAWS, name, "no instance returned from RunInstances", nil)
	}

	d.logger.Info("EC2 postgres instance launched",
		"instance_id", aws.ToString(runOut.Instances[0].InstanceId),
		"name", name,
		"region", d.region)
	return nil
}

// EnsureUser waits for the instance's public IP and returns credentials. The
// role itself was created by the boot script; the password is derived from
// the seed so both sides agree without any exchange.
func (d *AWSDriver) EnsureUser(ctx context.Context, target Target) (Credentials, error) {
	client := d.newClient()
	name := ResourceName(target)

	instance, err := d.findInstance(ctx, client, name)
	if err != nil {
		return nil, NewProvisionError("EnsureUser", DriverAWS, name, "failed to look up instance", err)
	}
	if instance == nil {
		return nil, NewProvisionError("EnsureUser", DriverAWS, name, "instance does not exist", ErrMissingResource)
	}

	publicIP, err := d.waitForPublicIP(ctx, client, aws.ToString(instance.InstanceId))
	if err != nil {
		return nil, NewProvisionError("EnsureUser", DriverAWS, name, "failed waiting for public IP", err)
	}

	password := derivePassword(d.seed, target)
	return newCredentials(publicIP, "5432", DatabaseName(target), UserName(target), password, "disable"), nil
}

// Destroy terminates the instance and cleans up the SSH key and security
// group. An instance that is already gone counts as success.
func (d *AWSDriver) Destroy(ctx context.Context, target Target) error {
	client := d.newClient()
	name := ResourceName(target)

	instance, err := d.findInstance(ctx, client, name)
	if err != nil {
		return NewProvisionError("Destroy", DriverAWS, name, "failed to look up instance", err)
	}

	if instance == nil {
		d.logger.Info("EC2 instance already terminated", "name", name)
	} else {
		instanceID := aws.ToString(instance.InstanceId)
		_, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound" {
				d.logger.Info("EC2 instance already terminated", "instance_id", instanceID)
			} else {
				return NewProvisionError("Destroy", DriverAWS, name, fmt.Sprintf("failed to terminate instance %s", instanceID), err)
			}
		} else {
			d.logger.Info("EC2 instance terminated", "instance_id", instanceID, "region", d.region)
		}
	}

	// Best-effort cleanup of SSH key
	if d.sshPublicKey != "" {
		if _, err := client.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyName: aws.String(name),
		}); err != nil {
			d.logger.Warn("failed to delete SSH key pair during destroy", "key_name", name, "error", err)
		}
	}

	// Best-effort cleanup of security group
	if _, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupName: aws.String(name),
	}); err != nil {
		d.logger.Warn("failed to delete security group during destroy", "sg_name", name, "error", err)
	}

	return nil
}

// findInstance returns the live instance carrying the Name tag, or nil when
// none exists. Terminated instances keep their tags, so the state filter
// matters.
func (d *AWSDriver) findInstance(ctx context.Context, client *ec2.Client, name string) (*ec2types.Instance, error) {
	out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:Name"), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return nil, err
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return &inst, nil
		}
	}
	return nil, nil
}

// ensureSecurityGroup creates the per-target security group with postgres
// and SSH ingress, reusing the group left behind by a previous attempt.
func (d *AWSDriver) ensureSecurityGroup(ctx context.Context, client *ec2.Client, name string) (string, error) {
	sgOut, err := client.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(name),
		Description: aws.String("Slipway managed database - " + name),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidGroup.Duplicate" {
			descOut, descErr := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
				GroupNames: []string{name},
			})
			if descErr != nil || len(descOut.SecurityGroups) == 0 {
				return "", fmt.Errorf("security group %s exists but lookup failed: %w", name, descErr)
			}
			return aws.ToString(descOut.SecurityGroups[0].GroupId), nil
		}
		return "", err
	}

	_, err = client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: sgOut.GroupId,
		IpPermissions: []ec2types.IpPermission{
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(5432),
				ToPort:     aws.Int32(5432),
				IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String("postgres")}},
			},
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(22),
				ToPort:     aws.Int32(22),
				IpRanges:   []ec2types.IpRange{{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String("SSH")}},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to configure security group: %w", err)
	}

	return aws.ToString(sgOut.GroupId), nil
}

func (d *AWSDriver) waitForPublicIP(ctx context.Context, client *ec2.Client, instanceID string) (string, error) {
	for i := 0; i < 60; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(5 * time.Second):
		}

		out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			continue
		}

		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.PublicIpAddress != nil && *inst.PublicIpAddress != "" {
					return *inst.PublicIpAddress, nil
				}
			}
		}
	}
	return "", errors.New("timed out waiting for public IP")
}

// postgresInstallUserData returns a cloud-init script that installs postgres
// and bootstraps the target's database and owning role.
func postgresInstallUserData(database, user, password string) string {
	return fmt.Sprintf(`#!/bin/bash
set -e
apt-get update -y
apt-get install -y postgresql postgresql-contrib
sudo -u postgres psql -c "CREATE USER \"%s\" WITH PASSWORD '%s';"
sudo -u postgres createdb -O %s %s
echo "listen_addresses = '*'" >> /etc/postgresql/14/main/postgresql.conf
echo "host all all 0.0.0.0/0 scram-sha-256" >> /etc/postgresql/14/main/pg_hba.conf
systemctl restart postgresql
`, user, password, user, database)
}
