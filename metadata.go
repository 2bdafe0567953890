package videoimport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultExt           = "mp4"
	maxDescriptionLength = 500
	blobTimestampLayout  = "20060102150405"
)

// Metadata is the subset of yt-dlp's info JSON kept with an import.
type Metadata struct {
	Title       string   `json:"title"`
	Duration    *float64 `json:"duration,omitempty"`
	Uploader    string   `json:"uploader,omitempty"`
	UploadDate  string   `json:"upload_date,omitempty"`
	ViewCount   *int64   `json:"view_count,omitempty"`
	Thumbnail   string   `json:"thumbnail,omitempty"`
	Description string   `json:"description,omitempty"`
	ID          string   `json:"id,omitempty"`
	Ext         string   `json:"ext"`
}

// Extractor resolves a URL to metadata by running yt-dlp without downloading.
type Extractor struct {
	// Path to yt-dlp executable. Defaults to "yt-dlp" (PATH lookup).
	Path string

	// ExtraArgs are always appended before per-call args.
	ExtraArgs []string

	execFn func(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

func NewExtractor() *Extractor {
	return &Extractor{Path: defaultYtdlpPath}
}

func (e *Extractor) pathOrDefault() string {
	if strings.TrimSpace(e.Path) == "" {
		return defaultYtdlpPath
	}
	return e.Path
}

func (e *Extractor) exec(ctx context.Context, args ...string) ([]byte, []byte, error) {
	name := e.pathOrDefault()
	fullArgs := make([]string, 0, len(e.ExtraArgs)+len(args))
	fullArgs = append(fullArgs, e.ExtraArgs...)
	fullArgs = append(fullArgs, args...)

	if e.execFn != nil {
		return e.execFn(ctx, name, fullArgs...)
	}

	slog.DebugContext(ctx, "running metadata extraction", "cmd", name, "args", fullArgs)
	cmd := exec.CommandContext(ctx, name, fullArgs...)
	var outBuf bytes.Buffer
	errBuf := &tailBuffer{max: maxStderrBytes}
	cmd.Stdout = &outBuf
	cmd.Stderr = errBuf
	err := cmd.Run()
	return outBuf.Bytes(), []byte(errBuf.String()), err
}

// infoJSON mirrors the yt-dlp fields we read. Pointers tell missing apart from empty.
type infoJSON struct {
	ID          string   `json:"id"`
	Title       *string  `json:"title"`
	Duration    *float64 `json:"duration"`
	Uploader    string   `json:"uploader"`
	UploadDate  string   `json:"upload_date"`
	ViewCount   *int64   `json:"view_count"`
	Thumbnail   string   `json:"thumbnail"`
	Description string   `json:"description"`
	Ext         string   `json:"ext"`
}

// ExtractInfo runs yt-dlp in metadata-only mode for a single video.
func (e *Extractor) ExtractInfo(ctx context.Context, url string) (*Metadata, error) {
	if strings.TrimSpace(url) == "" {
		return nil, &ExtractionError{URL: url, Err: fmt.Errorf("url is required")}
	}

	args := []string{"--dump-single-json", "--skip-download", "--no-playlist", "--no-warnings", url}
	stdout, stderr, err := e.exec(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ExtractionError{URL: url, Stderr: string(stderr), Err: err}
	}

	var info infoJSON
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &info); err != nil {
		return nil, &ExtractionError{URL: url, Stderr: string(stderr), Err: fmt.Errorf("parse json: %w", err)}
	}
	return info.metadata(), nil
}

func (i *infoJSON) metadata() *Metadata {
	m := &Metadata{
		Title:       "Unknown",
		Duration:    i.Duration,
		Uploader:    i.Uploader,
		UploadDate:  i.UploadDate,
		ViewCount:   i.ViewCount,
		Thumbnail:   i.Thumbnail,
		Description: truncateRunes(i.Description, maxDescriptionLength),
		ID:          i.ID,
		Ext:         i.Ext,
	}
	if i.Title != nil {
		m.Title = *i.Title
	}
	if m.Ext == "" {
		m.Ext = defaultExt
	}
	return m
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// DestinationName derives the blob name for an import.
//
// A custom name becomes "{custom}.{ext}". Otherwise the name is
// "{title}_{id}_{timestamp}.{ext}" with spaces in the title replaced by
// underscores, a random id when the source has none and a UTC timestamp.
func DestinationName(meta *Metadata, customName string) string {
	return destinationName(meta, customName, time.Now())
}

func destinationName(meta *Metadata, customName string, now time.Time) string {
	if meta == nil {
		meta = &Metadata{}
	}
	ext := meta.Ext
	if ext == "" {
		ext = defaultExt
	}
	if customName != "" {
		return customName + "." + ext
	}

	title := meta.Title
	if title == "" {
		title = "video"
	}
	title = strings.ReplaceAll(title, " ", "_")

	id := meta.ID
	if id == "" {
		id = uuid.NewString()
	}
	return fmt.Sprintf("%s_%s_%s.%s", title, id, now.UTC().Format(blobTimestampLayout), ext)
}

// UniqueDestinationName is DestinationName under a random directory, so two imports
// of the same video in the same second, or with the same custom name, never collide.
func UniqueDestinationName(meta *Metadata, customName string) string {
	return uuid.NewString() + "/" + DestinationName(meta, customName)
}
