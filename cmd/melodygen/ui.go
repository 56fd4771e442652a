package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/melodygen/artifact"
	"github.com/gomlx/melodygen/corpus"
	"github.com/gomlx/melodygen/events"
	"github.com/gomlx/melodygen/models/api"
	"github.com/gomlx/melodygen/pipeline"
)

// maxListedTokens is the number of tokens shown in summaries.
const maxListedTokens = 24

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "75"})
	keyStyle   = lipgloss.NewStyle().Faint(true).Width(16)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func keyValues(pairs ...string) string {
	lines := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(pairs[i]), pairs[i+1]))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func epochLine(m api.EpochMetrics, epochs int) string {
	width := len(fmt.Sprint(epochs))
	return fmt.Sprintf("epoch %*d/%d  loss %.4f  accuracy %6.2f%%  %s",
		width, m.Epoch, epochs, m.Loss, 100*m.Accuracy, m.Duration.Round(time.Millisecond))
}

func artifactSummary(a *artifact.TrainingArtifact, dir string) string {
	md := a.Metadata
	body := keyValues(
		"directory", dir,
		"run id", md.RunID,
		"created", md.CreatedAt.Local().Format(time.DateTime),
		"predictor", a.Predictor.Kind(),
		"sequence length", fmt.Sprint(md.SequenceLength),
		"vocabulary", fmt.Sprintf("%d tokens", a.Vocabulary.Size()),
		"corpus", fmt.Sprintf("%d files, %d tokens", md.CorpusFiles, md.CorpusTokens),
		"final loss", fmt.Sprintf("%.4f", md.FinalLoss),
		"final accuracy", fmt.Sprintf("%.2f%%", 100*md.FinalAccuracy),
	)
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Artifact"), body))
}

func vocabularySummary(tokens []string) string {
	var notes, chords int
	for _, token := range tokens {
		if events.IsChordToken(token) {
			chords++
		} else {
			notes++
		}
	}
	return keyValues(
		"tokens", fmt.Sprintf("%d notes, %d chords", notes, chords),
		"first tokens", listTokens(tokens),
	)
}

func streamSummary(s *corpus.Stream) string {
	distinctFiles := make(map[string]bool)
	for _, f := range s.Files {
		distinctFiles[f] = true
	}
	return keyValues(
		"stream", fmt.Sprintf("%d tokens from %d files", s.Len(), len(distinctFiles)),
		"stream start", listTokens(s.Tokens),
	)
}

func generationSummary(r *pipeline.GenerateResult) string {
	body := keyValues(
		"run id", r.Artifact.Metadata.RunID,
		"seed", fmt.Sprintf("%s (from %s)", listTokens(r.SeedTokens), r.SeedSource),
		"generated", fmt.Sprintf("%d tokens", len(r.Tokens)),
		"melody", listTokens(r.Tokens),
		"output", r.OutputPath,
	)
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("Generated"), body))
}

func listTokens(tokens []string) string {
	if len(tokens) <= maxListedTokens {
		return strings.Join(tokens, " ")
	}
	return strings.Join(tokens[:maxListedTokens], " ") + fmt.Sprintf(" … (+%d)", len(tokens)-maxListedTokens)
}
