package profile

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/applyflow/applyflow/pkg/models"
)

var ErrNotFound = errors.New("profile not found")

// Store persists browser user-data directories as tar.gz archives so a
// logged-in browser state can be reused across sessions.
type Store struct {
	profiles  sync.Map // profileID -> *models.Profile
	storePath string
	logger    zerolog.Logger
}

func NewStore(storePath string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(storePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create profile storage directory: %w", err)
	}

	s := &Store{
		storePath: storePath,
		logger:    logger.With().Str("component", "profiles").Logger(),
	}
	if err := s.restore(); err != nil {
		return nil, err
	}
	return s, nil
}

// restore re-registers archives already on disk from a previous run.
func (s *Store) restore() error {
	entries, err := os.ReadDir(s.storePath)
	if err != nil {
		return fmt.Errorf("failed to scan profile storage: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".tar.gz")
		info, err := entry.Info()
		if err != nil {
			continue
		}
		s.profiles.Store(id, &models.Profile{
			ID:        id,
			Name:      id,
			CreatedAt: info.ModTime(),
			UpdatedAt: info.ModTime(),
			DataPath:  filepath.Join(s.storePath, entry.Name()),
		})
	}
	return nil
}

// Create registers a new empty profile. Its data is captured the first
// time a session runs with it.
func (s *Store) Create(req models.CreateProfileRequest) (*models.Profile, error) {
	p := &models.Profile{
		ID:        uuid.New().String(),
		Name:      req.Name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	s.profiles.Store(p.ID, p)
	return p, nil
}

func (s *Store) Get(id string) (*models.Profile, error) {
	value, ok := s.profiles.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return value.(*models.Profile), nil
}

// List returns all known profiles.
func (s *Store) List() []*models.Profile {
	var out []*models.Profile
	s.profiles.Range(func(_, value any) bool {
		out = append(out, value.(*models.Profile))
		return true
	})
	return out
}

// Delete removes a profile and its archived data.
func (s *Store) Delete(id string) error {
	p, err := s.Get(id)
	if err != nil {
		return err
	}
	if p.DataPath != "" {
		if err := os.Remove(p.DataPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete profile data: %w", err)
		}
	}
	s.profiles.Delete(id)
	return nil
}

// Save compresses a browser user-data directory into the profile's
// archive, replacing any previous capture.
func (s *Store) Save(profileID, userDataDir string) error {
	p, err := s.Get(profileID)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(s.storePath, fmt.Sprintf("%s.tar.gz", profileID))
	if err := compressDirectory(userDataDir, archivePath); err != nil {
		return fmt.Errorf("failed to compress profile data: %w", err)
	}

	p.DataPath = archivePath
	p.UpdatedAt = time.Now()
	s.profiles.Store(profileID, p)
	s.logger.Debug().Str("profile_id", profileID).Msg("profile data saved")
	return nil
}

// Load extracts the profile archive into a fresh directory and returns
// its path. A profile with no captured data yet gets an empty directory.
func (s *Store) Load(profileID string) (string, error) {
	p, err := s.Get(profileID)
	if err != nil {
		return "", err
	}

	extractPath, err := os.MkdirTemp("", fmt.Sprintf("profile-%s-*", profileID))
	if err != nil {
		return "", fmt.Errorf("failed to create profile directory: %w", err)
	}

	if p.DataPath == "" {
		return extractPath, nil
	}
	if err := extractDirectory(p.DataPath, extractPath); err != nil {
		return "", fmt.Errorf("failed to extract profile data: %w", err)
	}
	return extractPath, nil
}

// compressDirectory creates a tar.gz archive of a directory.
func compressDirectory(source, target string) error {
	file, err := os.Create(target)
	if err != nil {
		return err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	return filepath.Walk(source, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, info.Name())
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		header.Name = relPath

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.IsDir() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			_, err = io.Copy(tarWriter, f)
			return err
		}

		return nil
	})
}

// extractDirectory extracts a tar.gz archive to a directory.
func extractDirectory(source, target string) error {
	file, err := os.Open(source)
	if err != nil {
		return err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return err
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		targetPath := filepath.Join(target, header.Name)
		if !strings.HasPrefix(filepath.Clean(targetPath), filepath.Clean(target)) {
			return fmt.Errorf("archive entry escapes target directory: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(targetPath), 0755); err != nil {
				return err
			}

			outFile, err := os.Create(targetPath)
			if err != nil {
				return err
			}

			if _, err := io.Copy(outFile, tarReader); err != nil {
				outFile.Close()
				return err
			}
			outFile.Close()
		}
	}

	return nil
}
