package compose

import (
	"regexp"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/shineum/threadmail/internal/email"
)

// cidPattern matches inline image references to 32-character file keys.
var cidPattern = regexp.MustCompile(`cid:([\w.-]{32})`)

var domainPattern = regexp.MustCompile(`@[0-9a-zA-Z\-.]+`)

// InlineDomain returns the "@domain" suffix appended to content ids, taken
// from the sender address.
func InlineDomain(from *mail.Address) string {
	if from != nil {
		if d := domainPattern.FindString(from.Address); d != "" {
			return d
		}
	}
	return "@localhost"
}

// RewriteInlineImages rewrites cid:<key> references in html to
// cid:<key><domain> and returns the inline images they point to.
//
// A key is first matched (case-insensitively) against the stored files in
// pending, then looked up with lookup. Matched files are removed from the
// returned pending list so they are not attached twice. References that
// resolve to nothing are left untouched. pending itself is not modified.
func RewriteInlineImages(html, domain string, pending []email.Attachable, lookup func(key string) *email.File) (string, []email.InlineImage, []email.Attachable) {
	remaining := append([]email.Attachable(nil), pending...)
	var images []email.InlineImage
	resolved := make(map[string]*email.File)

	out := cidPattern.ReplaceAllStringFunc(html, func(match string) string {
		key := match[len("cid:"):]
		lk := strings.ToLower(key)

		file, seen := resolved[lk]
		if !seen {
			file = takeStored(&remaining, key)
			if file == nil && lookup != nil {
				file = lookup(key)
			}
			resolved[lk] = file
			if file != nil {
				ctype := file.ContentType
				if ctype == "" {
					ctype = email.ContentTypeFor(file.Name)
				}
				images = append(images, email.InlineImage{
					ContentID:   key + domain,
					Filename:    file.Name,
					ContentType: ctype,
					Content:     file.Data,
				})
			}
		}
		if file == nil {
			return match
		}
		return match + domain
	})

	return out, images, remaining
}

// takeStored removes and returns the first queued stored file whose key
// matches.
func takeStored(list *[]email.Attachable, key string) *email.File {
	for i, a := range *list {
		if f := email.StoredFile(a); f != nil && strings.EqualFold(f.Key, key) {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return f
		}
	}
	return nil
}
