package ui

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MaxImageBytes bounds a single image attachment before encoding. The
// Base64 form must still fit in one link frame.
const MaxImageBytes = 5 << 20

var (
	errNotImage      = errors.New("not an image file")
	errImageTooLarge = fmt.Errorf("image exceeds %d bytes", MaxImageBytes)
)

// LoadImage reads an image file and returns its Base64 payload.
func LoadImage(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("image path is required")
	}
	if !isImageFile(path) {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), errNotImage)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat image: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), errNotImage)
	}
	if info.Size() > MaxImageBytes {
		return "", fmt.Errorf("%s: %w", filepath.Base(path), errImageTooLarge)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// imageSize returns the decoded byte size of a Base64 image payload.
func imageSize(payload string) int {
	return base64.StdEncoding.DecodedLen(len(payload))
}

func isImageFile(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".tiff", ".tif":
		return true
	}
	return false
}
