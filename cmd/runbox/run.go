package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/runbox/internal/executor"
)

var (
	langFlag      string
	stdinFileFlag string
	serverFlag    string
)

var runCmd = &cobra.Command{
	Use:   "run FILE",
	Short: "Run a source file against a runbox server",
	Long: `Submit a source file to a running runbox server and stream the output.

The language is inferred from the file extension unless --lang is given.
When a missing dependency is detected, run offers to install it and retry.

Examples:
  runbox run script.py
  runbox run main.js --stdin-file input.txt
  runbox run Main.java --server remote:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&langFlag, "lang", "", "Language to run (inferred from extension if empty)")
	runCmd.Flags().StringVar(&stdinFileFlag, "stdin-file", "", "File fed to the program's standard input")
	runCmd.Flags().StringVar(&serverFlag, "server", "localhost:8080", "runbox server host:port")
	rootCmd.AddCommand(runCmd)
}

var extLanguages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".mjs":  "javascript",
	".java": "java",
	".cpp":  "cpp",
	".cc":   "cpp",
	".html": "html",
	".sh":   "shell",
}

func runRun(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	lang := langFlag
	if lang == "" {
		lang = extLanguages[strings.ToLower(filepath.Ext(args[0]))]
		if lang == "" {
			return fmt.Errorf("cannot infer language from %q, use --lang", args[0])
		}
	}

	req := executor.Request{Language: lang, Code: string(code)}
	if stdinFileFlag != "" {
		stdin, err := os.ReadFile(stdinFileFlag)
		if err != nil {
			return err
		}
		req.Stdin = string(stdin)
	}

	url := "ws://" + serverFlag + "/api/ws/execute"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", serverFlag, err)
	}
	defer conn.Close()

	// Ctrl-C cancels the running execution instead of killing the client;
	// a second Ctrl-C exits through the default handler.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.WriteJSON(map[string]string{"type": "cancel"})
		signal.Stop(sigCh)
	}()

	for {
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("sending request: %w", err)
		}

		suggestion, err := streamEvents(conn)
		if err != nil {
			return err
		}
		if suggestion == "" {
			return nil
		}
		if !promptInstall(suggestion) {
			return nil
		}
		req.PreinstallPackages = append(req.PreinstallPackages, suggestion)
	}
}

// streamEvents prints events until the terminal complete event. It returns
// the suggested package name when the run failed on a missing dependency.
func streamEvents(conn *websocket.Conn) (string, error) {
	var suggestion string
	for {
		var e executor.Event
		if err := conn.ReadJSON(&e); err != nil {
			return "", fmt.Errorf("connection lost: %w", err)
		}

		switch e.Kind {
		case executor.KindStatus:
			fmt.Fprintln(os.Stderr, "--", e.Content)
		case executor.KindStdout, executor.KindPreview:
			fmt.Print(e.Content)
		case executor.KindStderr:
			fmt.Fprint(os.Stderr, e.Content)
		case executor.KindDependencyMissing:
			suggestion = e.PackageName
			fmt.Fprintf(os.Stderr, "-- missing dependency: %s (%s)\n", e.PackageName, e.InstallCommand)
		case executor.KindInstallStart:
			fmt.Fprintln(os.Stderr, "-- installing:", e.Content)
		case executor.KindInstallResult:
			if e.Success != nil && !*e.Success {
				fmt.Fprintln(os.Stderr, "-- install failed")
				fmt.Fprint(os.Stderr, e.Content)
			}
		case executor.KindComplete:
			success := e.Success != nil && *e.Success
			if success {
				fmt.Fprintf(os.Stderr, "-- completed in %dms\n", e.ElapsedMS)
				return "", nil
			}
			if e.Tag != "" {
				fmt.Fprintf(os.Stderr, "-- failed (%s) after %dms\n", e.Tag, e.ElapsedMS)
			} else {
				fmt.Fprintf(os.Stderr, "-- failed after %dms\n", e.ElapsedMS)
			}
			return suggestion, nil
		}
	}
}

func promptInstall(pkg string) bool {
	rl, err := readline.New(fmt.Sprintf("install %s and retry? [y/N] ", pkg))
	if err != nil {
		return false
	}
	defer rl.Close()

	line, err := rl.Readline()
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
