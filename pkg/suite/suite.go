package suite

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/promptoor/pkg/config"
	"github.com/ethpandaops/promptoor/pkg/provider"
)

// TestCase is a single prompt of the suite.
type TestCase struct {
	Name         string `yaml:"-" validate:"required"`
	Prompt       string `yaml:"prompt" validate:"required"`
	SystemPrompt string `yaml:"system_prompt,omitempty"`
	// JSON requires the reply to be a JSON object.
	JSON           bool       `yaml:"json,omitempty"`
	Images         ImagePaths `yaml:"image,omitempty"`
	AnswerContains string     `yaml:"answer_contains,omitempty"`
	Answer         string     `yaml:"answer,omitempty"`
	// FollowUpPrompt switches the test to delegated grading.
	FollowUpPrompt string `yaml:"follow_up_prompt,omitempty"`
}

// HasImages reports whether the test case attaches images.
func (tc *TestCase) HasImages() bool {
	return len(tc.Images) > 0
}

// ImagePaths accepts either a single path or a list of paths.
type ImagePaths []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *ImagePaths) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}

		if single == "" {
			*p = nil
		} else {
			*p = ImagePaths{single}
		}

		return nil
	}

	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}

	*p = list

	return nil
}

// LoadTestCases reads the prompts file: a YAML (or JSON) mapping of test
// name to test case. File order is preserved. Relative image paths are
// resolved against the file's directory.
func LoadTestCases(path string) ([]TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading prompts file: %w", config.ErrConfiguration, err)
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing prompts file: %w", config.ErrConfiguration, err)
	}

	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%w: prompts file %s is empty", config.ErrConfiguration, path)
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: prompts file must be a mapping of test name to test case", config.ErrConfiguration)
	}

	validate := validator.New()
	baseDir := filepath.Dir(path)
	cases := make([]TestCase, 0, len(root.Content)/2)
	seen := make(map[string]struct{}, len(root.Content)/2)

	for i := 0; i+1 < len(root.Content); i += 2 {
		name := root.Content[i].Value

		var tc TestCase
		if err := root.Content[i+1].Decode(&tc); err != nil {
			return nil, fmt.Errorf("%w: test case %q: %w", config.ErrConfiguration, name, err)
		}

		tc.Name = name

		if err := validate.Struct(&tc); err != nil {
			return nil, fmt.Errorf("%w: test case %q: %w", config.ErrConfiguration, name, err)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: duplicate test case %q", config.ErrConfiguration, name)
		}

		seen[name] = struct{}{}

		for j, img := range tc.Images {
			if !filepath.IsAbs(img) {
				tc.Images[j] = filepath.Join(baseDir, img)
			}
		}

		cases = append(cases, tc)
	}

	return cases, nil
}

// LoadImages reads the test case's image attachments from disk.
func LoadImages(tc *TestCase) ([]provider.Image, error) {
	images := make([]provider.Image, 0, len(tc.Images))

	for _, path := range tc.Images {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", path, err)
		}

		images = append(images, provider.Image{
			Data:     data,
			MIMEType: mimetype.Detect(data).String(),
		})
	}

	return images, nil
}
