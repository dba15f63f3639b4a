package suite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/promptoor/pkg/config"
)

// 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89,
}

func writePrompts(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadTestCases_PreservesFileOrder(t *testing.T) {
	path := writePrompts(t, `
zeta:
  prompt: "Capital of France?"
  answer_contains: Paris
alpha:
  prompt: "Give JSON"
  json: true
  system_prompt: "Reply in JSON"
middle:
  prompt: "Describe the picture"
  image: cat.png
multi:
  prompt: "Compare"
  image: [a.png, /abs/b.png]
graded:
  prompt: "Write a haiku"
  follow_up_prompt: "Count the correct lines in: {answer}"
`)

	cases, err := LoadTestCases(path)
	require.NoError(t, err)

	names := make([]string, 0, len(cases))
	for _, tc := range cases {
		names = append(names, tc.Name)
	}

	assert.Equal(t, []string{"zeta", "alpha", "middle", "multi", "graded"}, names)
	assert.Equal(t, "Paris", cases[0].AnswerContains)
	assert.True(t, cases[1].JSON)
	assert.Equal(t, "Reply in JSON", cases[1].SystemPrompt)
	assert.Equal(t, ImagePaths{filepath.Join(filepath.Dir(path), "cat.png")}, cases[2].Images)
	assert.Equal(t, ImagePaths{filepath.Join(filepath.Dir(path), "a.png"), "/abs/b.png"}, cases[3].Images)
	assert.True(t, cases[3].HasImages())
	assert.False(t, cases[4].HasImages())
	assert.NotEmpty(t, cases[4].FollowUpPrompt)
}

func TestLoadTestCases_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "empty", content: ""},
		{name: "list instead of mapping", content: "- prompt: x\n"},
		{name: "missing prompt", content: "t1:\n  answer: x\n"},
		{name: "duplicate name", content: "t1:\n  prompt: a\nt1:\n  prompt: b\n"},
		{name: "invalid yaml", content: "t1: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTestCases(writePrompts(t, tt.content))
			require.ErrorIs(t, err, config.ErrConfiguration)
		})
	}

	_, err := LoadTestCases(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestLoadImages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixel.png")
	require.NoError(t, os.WriteFile(path, pngPixel, 0o644))

	images, err := LoadImages(&TestCase{Images: ImagePaths{path}})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "image/png", images[0].MIMEType)
	assert.Equal(t, pngPixel, images[0].Data)

	_, err = LoadImages(&TestCase{Images: ImagePaths{filepath.Join(dir, "nope.png")}})
	require.Error(t, err)
}

func TestModelsFromConfig(t *testing.T) {
	no := false

	models := ModelsFromConfig([]config.ModelConfig{
		{Name: "gpt-4o", Provider: "OpenAI"},
		{Name: "gpt-4.1", Provider: "openai", Model: "gpt-4.1-2025", Capabilities: config.CapabilitiesConfig{Images: &no}},
	})

	require.Len(t, models, 2)
	assert.Equal(t, Model{Name: "gpt-4o", Provider: "openai", Upstream: "gpt-4o", Images: true, JSON: true}, models[0])
	assert.Equal(t, "gpt-4.1-2025", models[1].Upstream)
	assert.False(t, models[1].Images)
}

func TestModel_Supports(t *testing.T) {
	textOnly := Model{Name: "m", JSON: true}
	noJSON := Model{Name: "n", Images: true}

	assert.True(t, textOnly.Supports(&TestCase{Prompt: "p"}))
	assert.False(t, textOnly.Supports(&TestCase{Prompt: "p", Images: ImagePaths{"a.png"}}))
	assert.True(t, textOnly.Supports(&TestCase{Prompt: "p", JSON: true}))
	assert.False(t, noJSON.Supports(&TestCase{Prompt: "p", JSON: true}))
	assert.True(t, noJSON.Supports(&TestCase{Prompt: "p", Images: ImagePaths{"a.png"}}))
}

func TestSelect(t *testing.T) {
	models := []Model{{Name: "a"}, {Name: "b"}}
	cases := []TestCase{{Name: "t1"}, {Name: "t2"}, {Name: "t3"}}

	tests := []struct {
		name       string
		tokens     []string
		wantModels []string
		wantCases  []string
		wantErr    bool
	}{
		{name: "no tokens", wantModels: []string{"a", "b"}, wantCases: []string{"t1", "t2", "t3"}},
		{name: "model only", tokens: []string{"b"}, wantModels: []string{"b"}, wantCases: []string{"t1", "t2", "t3"}},
		{name: "test only", tokens: []string{"t3", "t1"}, wantModels: []string{"a", "b"}, wantCases: []string{"t1", "t3"}},
		{name: "both", tokens: []string{"t2", "a"}, wantModels: []string{"a"}, wantCases: []string{"t2"}},
		{name: "unknown", tokens: []string{"a", "zzz"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotModels, gotCases, err := Select(models, cases, tt.tokens)
			if tt.wantErr {
				require.ErrorIs(t, err, config.ErrConfiguration)

				return
			}

			require.NoError(t, err)

			modelNames := make([]string, 0, len(gotModels))
			for _, m := range gotModels {
				modelNames = append(modelNames, m.Name)
			}

			caseNames := make([]string, 0, len(gotCases))
			for _, tc := range gotCases {
				caseNames = append(caseNames, tc.Name)
			}

			assert.Equal(t, tt.wantModels, modelNames)
			assert.Equal(t, tt.wantCases, caseNames)
		})
	}
}

func TestWithoutImages(t *testing.T) {
	cases := []TestCase{
		{Name: "text"},
		{Name: "visual", Images: ImagePaths{"a.png"}},
	}

	got := WithoutImages(cases)
	require.Len(t, got, 1)
	assert.Equal(t, "text", got[0].Name)
}
