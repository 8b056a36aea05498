package hgnode

import "strings"

// Author holds the parsed pieces of a changeset's author line, per the
// "Name <email>" rule: if no '<' is present, Name and Email are empty and
// Fullname carries the raw bytes unmodified.
type Author struct {
	Name     string
	Email    string
	Fullname string
}

// ParseAuthor parses a Mercurial changeset author line.
func ParseAuthor(line string) Author {
	a := Author{Fullname: line}
	lt := strings.IndexByte(line, '<')
	if lt < 0 {
		return a
	}
	gt := strings.IndexByte(line[lt:], '>')
	if gt < 0 {
		return a
	}
	gt += lt
	a.Name = strings.TrimRight(line[:lt], " ")
	a.Email = line[lt+1 : gt]
	return a
}
