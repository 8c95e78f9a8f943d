package email

import (
	"mime"
	"path/filepath"
)

// Attachable is one of the attachment shapes a caller may queue on a
// mailer: *Record, *File or *Blob.
type Attachable interface {
	attachable()
}

// File is a stored file addressable by its content key.
type File struct {
	ID          int64
	Key         string
	Name        string
	ContentType string
	Data        []byte
}

// Record is an attachment record pointing at a stored file under its own
// display filename.
type Record struct {
	Filename string
	File     *File
}

// Blob is a generic in-memory file object.
type Blob struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (*File) attachable()   {}
func (*Record) attachable() {}
func (*Blob) attachable()   {}

// StoredFile returns the stored file behind a, if any. Records resolve to
// their file; blobs have none.
func StoredFile(a Attachable) *File {
	switch v := a.(type) {
	case *File:
		return v
	case *Record:
		return v.File
	}
	return nil
}

// Resolve turns an attachable into a message attachment. It reports false
// for shapes that carry no content.
func Resolve(a Attachable) (Attachment, bool) {
	var att Attachment
	switch v := a.(type) {
	case *Record:
		if v == nil || v.File == nil {
			return att, false
		}
		att = Attachment{Filename: v.Filename, ContentType: v.File.ContentType, Content: v.File.Data}
		if att.Filename == "" {
			att.Filename = v.File.Name
		}
	case *File:
		if v == nil {
			return att, false
		}
		att = Attachment{Filename: v.Name, ContentType: v.ContentType, Content: v.Data}
	case *Blob:
		if v == nil {
			return att, false
		}
		att = Attachment{Filename: v.Filename, ContentType: v.ContentType, Content: v.Data}
	default:
		return att, false
	}
	if att.Filename == "" {
		att.Filename = "attachment"
	}
	if att.ContentType == "" {
		att.ContentType = ContentTypeFor(att.Filename)
	}
	return att, true
}

// ContentTypeFor guesses a media type from a filename extension.
func ContentTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
