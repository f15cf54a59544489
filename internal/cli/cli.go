// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements command-line parsing and the non-TUI commands.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (set at build time by main)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// COMMANDS
// =============================================================================

// Command identifies the requested top-level command.
type Command int

const (
	// CmdTUI launches the interactive chat interface (default).
	CmdTUI Command = iota
	// CmdAsk sends a single prompt and streams the answer to stdout.
	CmdAsk
	// CmdVersion prints version information.
	CmdVersion
	// CmdHelp prints usage.
	CmdHelp
)

// Args holds parsed command arguments and flags.
type Args struct {
	// Query is the prompt for ask.
	Query string

	// Provider forces "openrouter" or "gemini".
	Provider string

	// Model pins a Gemini model for this invocation.
	Model string

	// ImagePath attaches an image to the prompt.
	ImagePath string

	// Markdown renders the final answer as markdown instead of streaming
	// raw text.
	Markdown bool
}

// Parse parses command-line arguments.
func Parse() (Command, Args) {
	return parseArgv(os.Args[1:])
}

func parseArgv(argv []string) (Command, Args) {
	if len(argv) == 0 {
		return CmdTUI, Args{}
	}

	switch strings.ToLower(argv[0]) {
	case "tui":
		return CmdTUI, Args{}
	case "ask":
		return CmdAsk, parseAskArgs(argv[1:])
	case "version", "--version", "-v":
		return CmdVersion, Args{}
	case "help", "--help", "-h":
		return CmdHelp, Args{}
	default:
		// Bare prompt: treat "markvii how do I ..." as ask.
		return CmdAsk, parseAskArgs(argv)
	}
}

func parseAskArgs(argv []string) Args {
	var args Args
	var query []string

	for i := 0; i < len(argv); i++ {
		switch argv[i] {
		case "--provider", "-p":
			if i+1 < len(argv) {
				i++
				args.Provider = strings.ToLower(argv[i])
			}
		case "--model", "-m":
			if i+1 < len(argv) {
				i++
				args.Model = argv[i]
			}
		case "--image", "-i":
			if i+1 < len(argv) {
				i++
				args.ImagePath = argv[i]
			}
		case "--markdown", "--md":
			args.Markdown = true
		default:
			query = append(query, argv[i])
		}
	}

	args.Query = strings.Join(query, " ")
	return args
}

// =============================================================================
// USAGE
// =============================================================================

const usageText = `markvii - terminal chat for free LLMs

Usage:
  markvii                       Launch the chat TUI
  markvii ask "prompt"          One-shot question, streams to stdout
  markvii version               Print version

Ask flags:
  -p, --provider NAME   Force provider: openrouter (default) or gemini
  -m, --model NAME      Pin a Gemini model
  -i, --image FILE      Attach an image (png/jpg/gif/webp)
      --markdown        Render the finished answer as markdown

Environment:
  MARKVII_OPENROUTER_KEY   OpenRouter API key override
  MARKVII_GEMINI_KEY       Gemini API key override
  MARKVII_REMOTE_URL       Remote config service URL

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("markvii version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}
