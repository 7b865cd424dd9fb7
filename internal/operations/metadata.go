package operations

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

const MetadataFilename = "metadata.json"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Manifest records one orchestrator run inside its generation directory.
type Manifest struct {
	Domain      string        `json:"domain"`
	Generation  string        `json:"generation"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration_ns"`

	Previous       string `json:"previous,omitempty"`
	PreviousStatus string `json:"previous_status,omitempty"` // as recorded in the previous manifest

	Delta        int   `json:"delta"`
	Reused       int   `json:"reused"`
	Fallback     int   `json:"fallback"`
	Removed      int   `json:"removed"`
	SyncAttempts int   `json:"sync_attempts"`
	Files        int   `json:"files"`
	Bytes        int64 `json:"bytes"`

	Databases []string `json:"databases,omitempty"`
	Purged    []string `json:"purged,omitempty"`
}

// Load reads a manifest file.
func (m *Manifest) Load(fs afero.Fs, filePath string) error {
	f, err := fs.Open(filePath)
	if err != nil {
		return fmt.Errorf("couldn't open metadata file %q: %w", filePath, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(m); err != nil {
		return fmt.Errorf("decode metadata JSON: %w", err)
	}
	return nil
}

// Write stores the manifest as metadata.json in dirPath.
func (m *Manifest) Write(fs afero.Fs, dirPath string) error {
	filePath := filepath.Join(dirPath, MetadataFilename)

	if err := EnsureDirectoryExist(fs, dirPath); err != nil {
		return fmt.Errorf("ensure metadata directory %q: %w", dirPath, err)
	}

	f, err := fs.Create(filePath)
	if err != nil {
		return fmt.Errorf("create metadata file %q: %w", filePath, err)
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(m); err != nil {
		return fmt.Errorf("encode metadata JSON: %w", err)
	}
	return f.Close()
}

// Summary renders the manifest as the plain-text report body.
func (m *Manifest) Summary() string {
	s := fmt.Sprintf("Domain:       %s\n", m.Domain) +
		fmt.Sprintf("Generation:   %s\n", m.Generation)
	if m.Previous != "" {
		s += fmt.Sprintf("Previous:     %s\n", m.Previous)
		if m.PreviousStatus != "" && m.PreviousStatus != StatusSuccess {
			s += fmt.Sprintf("Previous run: %s\n", m.PreviousStatus)
		}
	} else {
		s += "Previous:     none (full transfer)\n"
	}
	s += fmt.Sprintf("Status:       %s\n", m.Status)
	if m.Error != "" {
		s += fmt.Sprintf("Error:        %s\n", m.Error)
	}
	s += fmt.Sprintf("Duration:     %s\n", m.Duration.Round(time.Second)) +
		fmt.Sprintf("Delta:        %d files\n", m.Delta) +
		fmt.Sprintf("Reused:       %d files\n", m.Reused) +
		fmt.Sprintf("Transferred:  %d files, %d bytes in %d attempt(s)\n", m.Files, m.Bytes, m.SyncAttempts) +
		fmt.Sprintf("Removed:      %d files since previous\n", m.Removed)
	for _, db := range m.Databases {
		s += fmt.Sprintf("Database:     %s\n", db)
	}
	for _, p := range m.Purged {
		s += fmt.Sprintf("Purged:       %s\n", p)
	}
	return s
}
