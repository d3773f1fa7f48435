// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package media validates user-supplied image uploads.
//
// Uploads are identified by their leading magic bytes rather than by the
// client's declared content type. The allow-list covers the raster and
// vector formats the feedback UI accepts; everything else is rejected.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxBytes is the hard cap on a single uploaded image.
const MaxBytes = 10 << 20 // 10 MiB

// An Image is the validated internal form of one upload. Data holds the
// original bytes unmodified; MIME is the sniffed media type.
type Image struct {
	Name string // sanitized storage name
	Data []byte
	MIME string
}

// Errors reported by Validate. Use errors.Is to classify.
var (
	ErrEmpty       = errors.New("empty image data")
	ErrTooLarge    = fmt.Errorf("image exceeds %d bytes", MaxBytes)
	ErrUnknownType = errors.New("unrecognized or unsupported image format")
	ErrBadFilename = errors.New("unacceptable filename")
)

// A magic pairs a leading byte signature with the type it identifies.
// Some formats need a secondary check beyond the prefix.
type magic struct {
	prefix []byte
	mime   string
	ext    string
	check  func([]byte) bool
}

var magics = []magic{
	{prefix: []byte("\x89PNG\r\n\x1a\n"), mime: "image/png", ext: ".png"},
	{prefix: []byte{0xff, 0xd8, 0xff, 0xe0}, mime: "image/jpeg", ext: ".jpg"},
	{prefix: []byte{0xff, 0xd8, 0xff, 0xe1}, mime: "image/jpeg", ext: ".jpg"},
	{prefix: []byte{0xff, 0xd8, 0xff, 0xe2}, mime: "image/jpeg", ext: ".jpg"},
	{prefix: []byte{0xff, 0xd8, 0xff, 0xe3}, mime: "image/jpeg", ext: ".jpg"},
	{prefix: []byte{0xff, 0xd8, 0xff, 0xdb}, mime: "image/jpeg", ext: ".jpg"},
	{prefix: []byte("GIF87a"), mime: "image/gif", ext: ".gif"},
	{prefix: []byte("GIF89a"), mime: "image/gif", ext: ".gif"},
	{prefix: []byte("RIFF"), mime: "image/webp", ext: ".webp", check: func(data []byte) bool {
		return len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP"))
	}},
	{prefix: []byte("BM"), mime: "image/bmp", ext: ".bmp"},
	{prefix: []byte("<?xml"), mime: "image/svg+xml", ext: ".svg", check: hasSVGRoot},
	{prefix: []byte("<svg"), mime: "image/svg+xml", ext: ".svg"},
}

func hasSVGRoot(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(bytes.ToLower(head), []byte("<svg"))
}

// Extensions that are never acceptable regardless of content, to keep
// plainly executable names out of stored artifacts and logs.
var dangerousExts = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".msi": true, ".dll": true, ".vbs": true, ".js": true, ".jar": true,
	".ps1": true, ".sh": true, ".py": true, ".pl": true, ".rb": true,
	".php": true, ".asp": true, ".jsp": true,
}

// Sniff identifies the media type of data by magic number. It returns
// the MIME type and canonical extension, or ErrUnknownType if data does
// not match any allow-listed format.
func Sniff(data []byte) (mime, ext string, err error) {
	for _, m := range magics {
		if !bytes.HasPrefix(data, m.prefix) {
			continue
		}
		if m.check != nil && !m.check(data) {
			continue
		}
		return m.mime, m.ext, nil
	}
	return "", "", ErrUnknownType
}

// Validate checks one upload and returns its internal form. The original
// filename is used only for rejection checks; the returned Image carries
// a freshly generated storage name.
func Validate(data []byte, filename string) (Image, error) {
	if len(data) == 0 {
		return Image{}, ErrEmpty
	}
	if len(data) > MaxBytes {
		return Image{}, ErrTooLarge
	}
	if err := checkFilename(filename); err != nil {
		return Image{}, err
	}
	mime, ext, err := Sniff(data)
	if err != nil {
		return Image{}, err
	}
	return Image{Name: storedName(ext), Data: data, MIME: mime}, nil
}

func checkFilename(name string) error {
	if len(name) > 255 {
		return fmt.Errorf("%w: name too long", ErrBadFilename)
	}
	if strings.ContainsAny(name, "/\\\x00") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: path characters in name", ErrBadFilename)
	}
	if dangerousExts[strings.ToLower(filepath.Ext(name))] {
		return fmt.Errorf("%w: executable extension", ErrBadFilename)
	}
	return nil
}

func storedName(ext string) string { return "upload-" + uuid.NewString() + ext }
