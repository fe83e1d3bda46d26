package session

import (
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/gosuda/portal-chat/internal/convlog"
)

// SendImage reads an image file and sends it inline as a data URL. The file
// is read before the session loop is involved, so the message goes to the
// conversation that is active once the read completes.
func (s *Session) SendImage(path string) (convlog.Message, error) {
	url, err := s.readMedia(path, func(mt string) bool { return strings.HasPrefix(mt, "image/") })
	if err != nil {
		return convlog.Message{}, err
	}
	return s.sendContent(convlog.ContentImage, url, 0, nil)
}

// SendVoice sends a recorded clip of the given length in seconds.
func (s *Session) SendVoice(path string, seconds float64) (convlog.Message, error) {
	if seconds <= 0 {
		return convlog.Message{}, fmt.Errorf("%w: voice duration must be positive", ErrUnsupportedMedia)
	}
	url, err := s.readMedia(path, func(mt string) bool {
		return strings.HasPrefix(mt, "audio/") || mt == "video/webm" || mt == "video/ogg"
	})
	if err != nil {
		return convlog.Message{}, err
	}
	return s.sendContent(convlog.ContentVoice, url, seconds, nil)
}

func (s *Session) readMedia(path string, accept func(mediaType string) bool) (string, error) {
	data, err := s.opts.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if int64(len(data)) > s.opts.MaxMediaBytes {
		return "", fmt.Errorf("%w: %s exceeds %s", ErrMediaTooLarge,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(s.opts.MaxMediaBytes)))
	}
	mt := mediaType(path, data)
	if !accept(mt) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMedia, mt)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// mediaType prefers the file extension and falls back to sniffing.
func mediaType(path string, data []byte) string {
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if base, _, err := mime.ParseMediaType(mt); err == nil {
		return base
	}
	return mt
}
