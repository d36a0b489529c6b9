// Package storage is the on-disk object cache. Each study is a directory
// under the root holding one file per SOP instance, named by its UID.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/otcheredev/dicomweb-gateway/internal/models"
	"github.com/otcheredev/dicomweb-gateway/pkg/dicomfile"
)

const (
	incomingDir = ".incoming"
	receiveDir  = "scp"
)

// Store resolves cache paths and moves retrieved files into place
type Store struct {
	root string
	log  zerolog.Logger
}

// NewStore creates the root and staging directories when missing
func NewStore(root string, logger zerolog.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage path: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, incomingDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directories: %w", err)
	}
	return &Store{
		root: abs,
		log:  logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Root returns the absolute storage root
func (s *Store) Root() string {
	return s.root
}

// StudyDir is the directory holding a study's instances
func (s *Store) StudyDir(studyUID string) string {
	return filepath.Join(s.root, safeName(studyUID))
}

// InstancePath is the file of one instance
func (s *Store) InstancePath(studyUID, instanceUID string) string {
	return filepath.Join(s.StudyDir(studyUID), safeName(instanceUID))
}

// Path returns the file for an instance identifier or the study directory
// otherwise.
func (s *Store) Path(id models.Identifier) string {
	if id.SOPInstanceUID != "" {
		return s.InstancePath(id.StudyInstanceUID, id.SOPInstanceUID)
	}
	return s.StudyDir(id.StudyInstanceUID)
}

// Exists reports whether path is present
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HasInstance reports whether an instance file is cached
func (s *Store) HasInstance(studyUID, instanceUID string) bool {
	return s.Exists(s.InstancePath(studyUID, instanceUID))
}

// Instances lists the instance UIDs cached for a study
func (s *Store) Instances(studyUID string) ([]string, error) {
	entries, err := os.ReadDir(s.StudyDir(studyUID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// NewStaging creates an empty directory for one C-GET
func (s *Store) NewStaging() (string, error) {
	dir := filepath.Join(s.root, incomingDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

// ReceiveDir is where the store SCP writes objects sent by C-MOVE
func (s *Store) ReceiveDir() string {
	return filepath.Join(s.root, incomingDir, receiveDir)
}

// Ingest moves every parseable DICOM file below dir to its place in the
// cache and returns how many were placed. Files that cannot be parsed are
// left where they are.
func (s *Store) Ingest(dir string) (int, error) {
	placed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		id, err := dicomfile.ReadIdentity(path)
		if err != nil {
			s.log.Debug().Err(err).Str("file", path).Msg("skipping file not ready for ingest")
			return nil
		}

		if err := os.MkdirAll(s.StudyDir(id.StudyInstanceUID), 0o755); err != nil {
			return err
		}
		target := s.InstancePath(id.StudyInstanceUID, id.SOPInstanceUID)
		if err := os.Rename(path, target); err != nil {
			return fmt.Errorf("failed to move %s into cache: %w", path, err)
		}
		placed++
		return nil
	})
	if err != nil {
		return placed, err
	}

	if placed > 0 {
		s.log.Debug().Str("dir", dir).Int("files", placed).Msg("ingested retrieved files")
	}
	return placed, nil
}

// RemoveStaging deletes a staging directory created by NewStaging
func (s *Store) RemoveStaging(dir string) {
	if !strings.HasPrefix(dir, filepath.Join(s.root, incomingDir)+string(filepath.Separator)) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove staging directory")
	}
}

// safeName keeps a UID from escaping its directory
func safeName(uid string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(uid)
}
