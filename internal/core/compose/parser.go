package compose

import (
	"context"
	"fmt"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"

	"github.com/slipway-dev/slipway/internal/core/domain"
)

// =============================================================================
// Import
// =============================================================================

// ImportSnapshot parses a single-service Docker Compose fragment and extracts
// the image plus a config snapshot (environment and routing). It is the
// alternative to supplying env and routing explicitly on a deploy request.
// This is a pure function - no I/O, no side effects.
func ImportSnapshot(yamlContent string) (*ImportResult, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadComposeFragment(yamlContent)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}
	if len(project.Services) > 1 {
		return nil, ErrMultipleServices
	}

	for _, svc := range project.Services {
		return convertService(svc)
	}
	return nil, ErrNoServices
}

// loadComposeFragment loads a compose fragment using compose-go.
func loadComposeFragment(yamlContent string) (*types.Project, error) {
	// Parse YAML into a map first to reject non-object documents early.
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("snapshot-import", false)
		opts.SkipValidation = false
		opts.SkipInterpolation = false
		// In-memory input: no paths to resolve, no external files to follow.
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects compose features the snapshot model cannot
// represent.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "builds happen upstream; reference a pushed image", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService extracts the image and config snapshot from the single
// service of a fragment.
func convertService(svc types.ServiceConfig) (*ImportResult, error) {
	if svc.Image == "" {
		return nil, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	snapshot := domain.ConfigSnapshot{
		Env: make(map[string]string),
	}

	for k, v := range svc.Environment {
		if v != nil {
			snapshot.Env[k] = *v
		}
	}

	for i, p := range svc.Ports {
		if p.Target == 0 || p.Target > 65535 {
			return nil, NewParseError(
				fmt.Sprintf("services.%s.ports[%d]", svc.Name, i),
				"target port must be between 1 and 65535",
				ErrServiceInvalidPort,
			)
		}
	}
	if len(svc.Ports) > 0 {
		snapshot.Routing.Port = int(svc.Ports[0].Target)
	}

	snapshot.Routing.Host = svc.Labels[LabelRoutingHost]
	snapshot.Routing.Path = svc.Labels[LabelRoutingPath]

	return &ImportResult{Image: svc.Image, Snapshot: snapshot}, nil
}
