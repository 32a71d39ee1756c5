package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"storyline/internal/domain"
	"storyline/internal/gate"
)

// CommandAttempter shells out to a configured attempt command, passing
// the story context through STORYLINE_* environment variables. The
// command's combined output becomes the iteration's learnings text.
// Touched files are read from lines the command prints between
// STORYLINE_FILES_BEGIN and STORYLINE_FILES_END markers, when present.
type CommandAttempter struct {
	Command string
}

const (
	filesBeginMarker = "STORYLINE_FILES_BEGIN"
	filesEndMarker   = "STORYLINE_FILES_END"
)

func (a CommandAttempter) Attempt(ctx context.Context, story domain.Story, history []domain.ProgressEntry) (AttemptResult, error) {
	if strings.TrimSpace(a.Command) == "" {
		return AttemptResult{}, errors.New("attempt command not configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command) // #nosec G204 -- operator-provided attempt command
	cmd.Env = append(os.Environ(),
		"STORYLINE_STORY_ID="+story.ID,
		"STORYLINE_STORY_NAME="+story.Name,
		"STORYLINE_STORY_DESCRIPTION="+story.Description,
		"STORYLINE_ACCEPTANCE="+strings.Join(story.Acceptance, "\n"),
		fmt.Sprintf("STORYLINE_ITERATION=%d", story.Iterations+1),
		fmt.Sprintf("STORYLINE_FILE_BUDGET=%d", story.FileBudget),
		"STORYLINE_PRIOR_LEARNINGS="+priorLearnings(history),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// a failed attempt is still an attempt; the gate decides
			return AttemptResult{Learnings: gate.CompactOutput(string(out), 40, 4000)}, nil
		}
		return AttemptResult{}, fmt.Errorf("attempt command could not run: %w", err)
	}
	output := string(out)
	return AttemptResult{
		Learnings:    gate.CompactOutput(stripFilesSection(output), 40, 4000),
		TouchedFiles: parseTouchedFiles(output),
	}, nil
}

func priorLearnings(history []domain.ProgressEntry) string {
	var parts []string
	for _, h := range history {
		if h.Learnings != "" {
			parts = append(parts, fmt.Sprintf("iteration %d (%s): %s", h.Iteration, h.Outcome, h.Learnings))
		}
	}
	return strings.Join(parts, "\n")
}

func parseTouchedFiles(output string) []string {
	var files []string
	in := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == filesBeginMarker:
			in = true
		case line == filesEndMarker:
			in = false
		case in && line != "":
			files = append(files, line)
		}
	}
	return files
}

func stripFilesSection(output string) string {
	var lines []string
	in := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == filesBeginMarker {
			in = true
			continue
		}
		if trimmed == filesEndMarker {
			in = false
			continue
		}
		if !in {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
