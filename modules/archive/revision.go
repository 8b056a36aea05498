package archive

import (
	"bytes"
	"fmt"
)

// encodeSignature renders "Name <email> unixts tz" the way
// modules/git/signature.go's Signature.Encode does, tz expressed as
// +HHMM/-HHMM.
func encodeSignature(buf *bytes.Buffer, name, email string, unixTS int64, offsetSeconds int) {
	sign := '+'
	off := offsetSeconds
	if off < 0 {
		sign = '-'
		off = -off
	}
	fmt.Fprintf(buf, "%s <%s> %d %c%02d%02d", name, email, unixTS, sign, off/3600, (off%3600)/60)
}

// Encode renders a Revision in the git commit text format: a header block
// (tree, parent*, author, committer, extra headers) then a blank line then
// the message, per modules/git/commit.go's Decode grammar run in reverse.
func (r *Revision) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", r.Directory)
	for _, p := range r.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	buf.WriteString("author ")
	encodeSignature(&buf, r.AuthorName, r.AuthorEmail, r.Date.Unix(), r.DateOffset)
	buf.WriteByte('\n')
	buf.WriteString("committer ")
	encodeSignature(&buf, r.AuthorName, r.AuthorEmail, r.Date.Unix(), r.DateOffset)
	buf.WriteByte('\n')
	for _, h := range r.ExtraHeaders {
		fmt.Fprintf(&buf, "%s %s\n", h.Key, h.Value)
	}
	fmt.Fprintf(&buf, "type %s\n", r.Type)
	buf.WriteByte('\n')
	buf.WriteString(r.Message)
	return buf.Bytes()
}
