// Package gdrive backs up the daily practice journal to a Google Drive folder
// as one Google Doc per day.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DefaultInterval is how often Run uploads the current journal.
const DefaultInterval = 5 * time.Minute

const docMimeType = "application/vnd.google-apps.document"

type uploader interface {
	create(ctx context.Context, name, folderID string, media io.Reader) (string, error)
	update(ctx context.Context, fileID string, media io.Reader) error
}

type Syncer struct {
	files    uploader
	folderID string
	logger   *slog.Logger

	mu      sync.Mutex
	fileIDs map[string]string
	synced  map[string]fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

func NewSyncer(ctx context.Context, credPath, folderID string, logger *slog.Logger) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(config))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return newSyncer(driveFiles{svc: svc}, folderID, logger), nil
}

func newSyncer(files uploader, folderID string, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		files:    files,
		folderID: folderID,
		logger:   logger,
		fileIDs:  make(map[string]string),
		synced:   make(map[string]fileStamp),
	}
}

// Sync uploads localPath as the Doc for its day: created on first sync,
// updated afterwards. Missing and unchanged files are skipped.
func (s *Syncer) Sync(ctx context.Context, localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(localPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	date := strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath))
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}
	if prev, ok := s.synced[date]; ok && prev == stamp {
		return nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	if fileID, ok := s.fileIDs[date]; ok {
		if err := s.files.update(ctx, fileID, f); err != nil {
			return fmt.Errorf("drive update: %w", err)
		}
		s.synced[date] = stamp
		return nil
	}

	id, err := s.files.create(ctx, "sofia-"+date, s.folderID, f)
	if err != nil {
		return fmt.Errorf("drive create: %w", err)
	}

	s.fileIDs[date] = id
	s.synced[date] = stamp
	s.logger.Info("journal backed up", "date", date, "file_id", id)
	return nil
}

// Run syncs the file named by current every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration, current func() string) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx, current()); err != nil {
				s.logger.Warn("journal sync failed", "error", err)
			}
		}
	}
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) create(ctx context.Context, name, folderID string, media io.Reader) (string, error) {
	doc, err := d.svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: docMimeType,
		Parents:  []string{folderID},
	}).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return doc.Id, nil
}

func (d driveFiles) update(ctx context.Context, fileID string, media io.Reader) error {
	_, err := d.svc.Files.Update(fileID, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}
