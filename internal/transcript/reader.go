// Package transcript reconstructs chat history from the agent's on-disk
// JSONL transcript files and watches them for changes.
package transcript

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"claude-relay/internal/stream"
)

const maxLineSize = 1024 * 1024 // 1 MB, matches the stdout scanner

// DefaultRootDir returns the agent's data directory for the current user.
func DefaultRootDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude"
	}
	return filepath.Join(home, ".claude")
}

// ConversationPath returns the transcript file the agent writes for a
// conversation run in the given working directory.
func ConversationPath(rootDir, workDir, conversationID string) string {
	return filepath.Join(rootDir, "projects", sanitizeWorkDir(workDir), conversationID+".jsonl")
}

// sanitizeWorkDir flattens an absolute path into the single directory name
// the agent uses: path separators and dots become dashes.
func sanitizeWorkDir(workDir string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ".", "-")
	return r.Replace(workDir)
}

// Read parses a transcript file into ordered events. Lines that are not
// recognized protocol are skipped, the same as on the live stream.
func Read(path string) ([]stream.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, maxLineSize), maxLineSize)

	var events []stream.Event
	for scanner.Scan() {
		events = append(events, stream.ParseLine(scanner.Bytes())...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return events, nil
}
