// File: internal/infra/gdrive/client.go
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"kirinuki-pipeline/internal/config"
	"kirinuki-pipeline/internal/domain"
)

const fileFields = "id, name, size"

// FileAPI is the slice of the Drive files API the store and uploader use.
type FileAPI interface {
	Find(ctx context.Context, folderID, name string) (*drive.File, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Create(ctx context.Context, meta *drive.File, r io.Reader, opts ...googleapi.MediaOption) (*drive.File, error)
	Update(ctx context.Context, fileID string, r io.Reader, opts ...googleapi.MediaOption) (*drive.File, error)
	Delete(ctx context.Context, fileID string) error
}

type driveAPI struct {
	svc *drive.Service
}

var _ FileAPI = (*driveAPI)(nil)

// NewService builds an authorized Drive client from an OAuth client secret
// (inline JSON or a file path) and a long-lived refresh token.
func NewService(ctx context.Context, cfg *config.DriveConfig) (*driveAPI, error) {
	secret, err := loadSecret(cfg.ClientSecretJSON)
	if err != nil {
		return nil, err
	}
	oc, err := google.ConfigFromJSON(secret, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parse drive client secret: %w", err)
	}
	httpClient := oc.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	svc, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return &driveAPI{svc: svc}, nil
}

func loadSecret(v string) ([]byte, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, errors.New("drive client secret is required")
	}
	if strings.HasPrefix(v, "{") {
		return []byte(v), nil
	}
	b, err := os.ReadFile(v)
	if err != nil {
		return nil, fmt.Errorf("read drive client secret: %w", err)
	}
	return b, nil
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func (d *driveAPI) Find(ctx context.Context, folderID, name string) (*drive.File, error) {
	q := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false", escapeQuery(name), escapeQuery(folderID))
	res, err := d.svc.Files.List().
		Q(q).
		Fields("files(" + fileFields + ")").
		PageSize(1).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	if len(res.Files) == 0 {
		return nil, domain.ErrNotFound
	}
	return res.Files[0], nil
}

func (d *driveAPI) Download(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := d.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (d *driveAPI) Create(ctx context.Context, meta *drive.File, r io.Reader, opts ...googleapi.MediaOption) (*drive.File, error) {
	return d.svc.Files.Create(meta).
		Media(r, opts...).
		Fields(fileFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

func (d *driveAPI) Update(ctx context.Context, fileID string, r io.Reader, opts ...googleapi.MediaOption) (*drive.File, error) {
	return d.svc.Files.Update(fileID, &drive.File{}).
		Media(r, opts...).
		Fields(fileFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

func (d *driveAPI) Delete(ctx context.Context, fileID string) error {
	return d.svc.Files.Delete(fileID).SupportsAllDrives(true).Context(ctx).Do()
}

// isRateLimited reports a Drive quota rejection.
func isRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == 429 {
		return true
	}
	if gerr.Code == 403 {
		for _, e := range gerr.Errors {
			switch e.Reason {
			case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded", "storageQuotaExceeded":
				return true
			}
		}
	}
	return false
}
