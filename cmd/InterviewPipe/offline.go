package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/InterviewPipe/internal/gaps"
	"github.com/BTreeMap/InterviewPipe/internal/genai"
	"github.com/BTreeMap/InterviewPipe/internal/store"
	"github.com/BTreeMap/InterviewPipe/internal/transcript"
)

// errUnexpectedVerdicts makes eval-transcripts exit non-zero.
var errUnexpectedVerdicts = errors.New("transcript evaluation found unexpected verdicts")

func newDetectGapsCmd(cfg *Config) *cobra.Command {
	var botID string
	var lookbackDays int
	cmd := &cobra.Command{
		Use:   "detect-gaps",
		Short: "Scan recent conversations for fallback replies and record knowledge gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := seedBots(st, cfg.BotsFile); err != nil {
				return err
			}
			completer, err := newCompleter(cfg)
			if err != nil {
				return err
			}
			if completer == nil {
				return fmt.Errorf("knowledge gap detection needs a completion backend: %w", genai.ErrAPIKeyNotSet)
			}
			return runDetectGaps(cmd.Context(), cmd.OutOrStdout(), st, completer, botID, lookbackDays)
		},
	}
	cmd.Flags().StringVar(&botID, "bot", "", "bot to scan (default: every bot)")
	cmd.Flags().IntVar(&lookbackDays, "lookback-days", gaps.DefaultLookbackDays, "days of conversations to scan")
	return cmd
}

func runDetectGaps(ctx context.Context, out io.Writer, st store.Store, completer genai.Completer, botID string, lookbackDays int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	detector := gaps.NewDetector(st, completer)
	var reports []gaps.Report
	var runErr error
	if botID != "" {
		r, err := detector.DetectKnowledgeGaps(ctx, botID, lookbackDays)
		reports, runErr = []gaps.Report{r}, err
	} else {
		reports, runErr = detector.RunAll(ctx, lookbackDays)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		return fmt.Errorf("failed to write reports: %w", err)
	}
	return runErr
}

func newEvalTranscriptsCmd(cfg *Config) *cobra.Command {
	var fixturesPath, conversationID string
	cmd := &cobra.Command{
		Use:   "eval-transcripts",
		Short: "Run the transcript evaluator over fixtures or a stored conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case fixturesPath != "":
				return runFixtureEval(cmd.OutOrStdout(), fixturesPath)
			case conversationID != "":
				st, err := openStore(cfg)
				if err != nil {
					return err
				}
				defer st.Close()
				return runConversationEval(cmd.OutOrStdout(), st, conversationID)
			default:
				return errors.New("one of --fixtures or --conversation is required")
			}
		},
	}
	cmd.Flags().StringVar(&fixturesPath, "fixtures", "", "YAML file of transcripts with expected verdicts")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "stored conversation to evaluate")
	cmd.MarkFlagsMutuallyExclusive("fixtures", "conversation")
	return cmd
}

func runFixtureEval(out io.Writer, path string) error {
	fixtures, err := transcript.LoadFixtures(path)
	if err != nil {
		return err
	}
	results, mismatches := transcript.RunFixtures(fixtures)
	for _, r := range results {
		mark := "ok  "
		if !r.OK {
			mark = "FAIL"
		}
		fmt.Fprintf(out, "%s %s passed=%t transitions=%d consent=%d missed=%d\n",
			mark, r.Name, r.Result.Passed, r.Result.TransitionFailures, r.Result.ConsentFailures, r.Result.MissedSignals)
		if !r.OK {
			for _, issue := range r.Result.Issues {
				fmt.Fprintf(out, "     - %s\n", issue)
			}
		}
	}
	fmt.Fprintf(out, "%d fixtures, %d unexpected\n", len(results), mismatches)
	if mismatches > 0 {
		return fmt.Errorf("%w: %d of %d", errUnexpectedVerdicts, mismatches, len(results))
	}
	return nil
}

func runConversationEval(out io.Writer, st store.Store, id string) error {
	conv, err := st.GetConversation(id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", id, err)
	}
	msgs, err := st.ListMessages(id)
	if err != nil {
		return fmt.Errorf("failed to load messages of %s: %w", id, err)
	}
	res := transcript.Evaluate(transcript.Input{Language: conv.Language, Turns: transcript.FromMessages(msgs)})
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if !res.Passed {
		return fmt.Errorf("%w: conversation %s", errUnexpectedVerdicts, id)
	}
	return nil
}
