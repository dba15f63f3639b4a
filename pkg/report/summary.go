package report

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"

	"github.com/ethpandaops/promptoor/pkg/fsutil"
	"github.com/ethpandaops/promptoor/pkg/runner"
	"github.com/ethpandaops/promptoor/pkg/sysinfo"
)

const (
	// RunsDir is the directory under the results dir holding run summaries.
	RunsDir = "runs"

	SummaryJSONFile     = "summary.json"
	SummaryMarkdownFile = "summary.md"
)

// RunSummary is what gets written for each run.
type RunSummary struct {
	Run    *runner.Summary     `json:"run"`
	Passes int                 `json:"passes"`
	System *sysinfo.SystemInfo `json:"system,omitempty"`
	Report *Report             `json:"report"`
}

// RunDirName returns the directory name for a run: <timestamp>_<run id>.
func RunDirName(s *runner.Summary) string {
	return fmt.Sprintf("%s_%s", s.StartedAt.UTC().Format("20060102-150405"), s.RunID)
}

// WriteRunSummary writes summary.json and summary.md into
// resultsDir/runs/<ts>_<id>/ and returns that directory.
func WriteRunSummary(resultsDir string, owner *fsutil.OwnerConfig, summary *RunSummary) (string, error) {
	runDir := filepath.Join(resultsDir, RunsDir, RunDirName(summary.Run))

	if err := fsutil.MkdirAll(runDir, 0755, owner); err != nil {
		return "", fmt.Errorf("creating run directory: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling run summary: %w", err)
	}

	if err := fsutil.WriteFileAtomic(filepath.Join(runDir, SummaryJSONFile), data, 0644, owner); err != nil {
		return "", fmt.Errorf("writing %s: %w", SummaryJSONFile, err)
	}

	md := GenerateRunMarkdown(summary)

	if err := fsutil.WriteFileAtomic(filepath.Join(runDir, SummaryMarkdownFile), []byte(md), 0644, owner); err != nil {
		return "", fmt.Errorf("writing %s: %w", SummaryMarkdownFile, err)
	}

	return runDir, nil
}

// GenerateRunMarkdown renders a run summary as markdown.
func GenerateRunMarkdown(summary *RunSummary) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Prompt Run: %s\n\n", summary.Run.RunID)

	writeOverview(&sb, summary)
	writeOutcomes(&sb, summary.Run)
	writeSystem(&sb, summary.System)

	if summary.Report != nil {
		sb.WriteString("## Results\n\n")
		writeResultsTable(&sb, summary.Report)
		sb.WriteByte('\n')
	}

	return sb.String()
}

func writeOverview(sb *strings.Builder, summary *RunSummary) {
	run := summary.Run

	status := "completed"
	if run.Interrupted {
		status = "interrupted"
	}

	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")
	fmt.Fprintf(sb, "| Status | %s |\n", status)
	fmt.Fprintf(sb, "| Started | %s |\n", run.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(sb, "| Duration | %s |\n", units.HumanDuration(run.FinishedAt.Sub(run.StartedAt)))
	}

	fmt.Fprintf(sb, "| Passes | %d |\n", summary.Passes)
	fmt.Fprintf(sb, "| Planned | %d |\n", run.Planned)
	fmt.Fprintf(sb, "| Completed | %d |\n", run.Completed)

	if run.Abandoned > 0 {
		fmt.Fprintf(sb, "| Abandoned | %d |\n", run.Abandoned)
	}

	sb.WriteByte('\n')
}

func writeOutcomes(sb *strings.Builder, run *runner.Summary) {
	if len(run.Outcomes) == 0 {
		return
	}

	codes := make([]string, 0, len(run.Outcomes))
	for code := range run.Outcomes {
		codes = append(codes, code)
	}

	sort.Strings(codes)

	sb.WriteString("## Outcomes\n\n")
	sb.WriteString("| Outcome | Count |\n")
	sb.WriteString("|---|---|\n")

	for _, code := range codes {
		fmt.Fprintf(sb, "| %s | %d |\n", code, run.Outcomes[code])
	}

	sb.WriteByte('\n')
}

func writeSystem(sb *strings.Builder, sys *sysinfo.SystemInfo) {
	if sys == nil {
		return
	}

	sb.WriteString("## System\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if sys.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", sys.Hostname)
	}

	if sys.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", sys.CPUModel)
	}

	if sys.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", sys.CPUCores)
	}

	if sys.MemoryTotalGB > 0 {
		fmt.Fprintf(sb, "| Memory | %.1f GB |\n", sys.MemoryTotalGB)
	}

	if sys.Platform != "" {
		platform := sys.Platform
		if sys.PlatformVersion != "" {
			platform += " " + sys.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if sys.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", sys.Arch)
	}

	if sys.GoVersion != "" {
		fmt.Fprintf(sb, "| Go | %s |\n", sys.GoVersion)
	}

	sb.WriteByte('\n')
}
