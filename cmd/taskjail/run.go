package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhangyunhao116/taskjail"
)

var (
	jsonOutput bool
	language   string
)

// errNotSuccessful makes the process exit non-zero after the result has
// already been printed.
var errNotSuccessful = errors.New("task did not succeed")

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run one task and print its outcome",
	Long: `Runs a single task through the synthesize, check, execute and repair loop.

Example:
  taskjail run --jail /data "Count the Wednesdays in dates.txt and write the number to dates-wednesdays.txt"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

var readCmd = &cobra.Command{
	Use:   "read [path]",
	Short: "Print a file from inside the data directory",
	Args:  cobra.ExactArgs(1),
	RunE:  readFile,
}

var checkCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Check a program against the policy without running it",
	Long: `Evaluates a local python, bash or go program with the same policy the
service applies to generated programs, and prints the verdict. The language
is taken from the file extension unless --language is given.`,
	Args: cobra.ExactArgs(1),
	RunE: checkFile,
}

func init() {
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the outcome as JSON")
	checkCmd.Flags().StringVar(&language, "language", "", "Program language: python, bash or go")
}

func runTask(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(s)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = orch.Executor().Cleanup(ctx) }()

	req, err := orch.NewRequest(strings.Join(args, " "))
	if err != nil {
		return err
	}
	out := orch.Handle(ctx, req)

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
	} else {
		renderOutcome(cmd.OutOrStdout(), out)
	}
	if out.Status != taskjail.StatusSuccess {
		return errNotSuccessful
	}
	return nil
}

func readFile(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	data, err := taskjail.ReadFile(s.JailRoot, args[0])
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func checkFile(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	lang, err := artifactLanguage(args[0], language)
	if err != nil {
		return err
	}
	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	artifact := taskjail.CandidateArtifact{Language: lang, Source: string(src)}
	verdict := taskjail.NewGuard(s.AllowedTools).Evaluate(artifact, s.JailRoot)
	renderVerdict(cmd.OutOrStdout(), args[0], verdict)
	if !verdict.Approved {
		return errNotSuccessful
	}
	return nil
}

// artifactLanguage returns the explicit language if set, otherwise the one
// implied by the file extension.
func artifactLanguage(path, explicit string) (taskjail.Language, error) {
	if explicit != "" {
		return taskjail.ParseLanguage(explicit)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "", fmt.Errorf("cannot tell the language of %s; pass --language", path)
	}
	return taskjail.ParseLanguage(ext)
}
