package message

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseContentType(t *testing.T) {
	tests := []struct {
		in     string
		want   ContentType
		wantOk bool
	}{
		{in: "", want: ContentText, wantOk: true},
		{in: "text", want: ContentText, wantOk: true},
		{in: " Image ", want: ContentImage, wantOk: true},
		{in: "document", want: ContentFile, wantOk: true},
		{in: "file", want: ContentFile, wantOk: true},
		{in: "gif"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseContentType(tt.in)
			assert.Equal(t, tt.wantOk, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestContentTypeFromMIME(t *testing.T) {
	tests := map[string]ContentType{
		"image/png":                ContentImage,
		"IMAGE/JPEG":               ContentImage,
		"video/mp4":                ContentVideo,
		"audio/ogg; codecs=opus":   ContentAudio,
		"application/pdf":          ContentFile,
		"application/octet-stream": ContentFile,
		"":                         ContentFile,
		"lol":                      ContentFile,
	}
	for mimeType, want := range tests {
		t.Run(mimeType, func(t *testing.T) {
			assert.Equal(t, want, ContentTypeFromMIME(mimeType))
		})
	}
}

func Test_attachmentKey(t *testing.T) {
	tests := []struct {
		filename string
		wantName string
	}{
		{filename: "report.pdf", wantName: "report.pdf"},
		{filename: "../../etc/passwd", wantName: "passwd"},
		{filename: `C:\Users\me\My Photo.PNG`, wantName: "My_Photo.PNG"},
		{filename: "été 2021.jpg", wantName: "t_2021.jpg"},
		{filename: "..", wantName: "file"},
		{filename: "", wantName: "file"},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			key := attachmentKey("u1", tt.filename)
			parts := strings.Split(key, "/")
			if assert.Len(t, parts, 4, key) {
				assert.Equal(t, "attachments", parts[0])
				assert.Equal(t, "u1", parts[1])
				assert.Len(t, parts[2], 36)
				assert.Equal(t, tt.wantName, parts[3])
			}
		})
	}
	assert.NotEqual(t, attachmentKey("u1", "a.txt"), attachmentKey("u1", "a.txt"))
}
