package loader

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/softwareheritage/swhg/modules/hgnode"
)

// changeset is the decoded payload of a CHANGESET delta: manifest node-id
// line, author line, "ts tz [k:v ...]" line, changed-file paths, a blank
// line, then the free-form commit message.
type changeset struct {
	ManifestNode hgnode.ID
	AuthorName   string
	AuthorEmail  string
	AuthorFull   string
	Date         time.Time
	DateOffset   int
	Extra        map[string]string
	Files        []string
	Message      string
}

func parseChangeset(payload []byte) (changeset, error) {
	lines := bytes.SplitN(payload, []byte("\n"), 4)
	if len(lines) < 4 {
		return changeset{}, fmt.Errorf("loader: changeset record has fewer than 4 lines")
	}

	manifestNode, err := hgnode.New(string(lines[0]))
	if err != nil {
		return changeset{}, fmt.Errorf("loader: changeset manifest node: %w", err)
	}

	author := hgnode.ParseAuthor(string(lines[1]))

	rest := lines[2]
	remainder := lines[3]

	fields := strings.Fields(string(rest))
	if len(fields) < 2 {
		return changeset{}, fmt.Errorf("loader: changeset date line has fewer than 2 fields")
	}
	unixTS, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return changeset{}, fmt.Errorf("loader: changeset timestamp: %w", err)
	}
	offset, err := strconv.Atoi(fields[1])
	if err != nil {
		return changeset{}, fmt.Errorf("loader: changeset tz offset: %w", err)
	}

	extra := make(map[string]string)
	for _, kv := range fields[2:] {
		k, v, ok := strings.Cut(kv, ":")
		if ok {
			extra[k] = v
		}
	}

	var files []string
	var message []byte
	if bytes.HasPrefix(remainder, []byte("\n")) {
		// empty file list: the blank line comes straight after the date line.
		message = remainder[1:]
	} else if fileLines, msg, found := bytes.Cut(remainder, []byte("\n\n")); found {
		for _, f := range bytes.Split(fileLines, []byte("\n")) {
			if len(f) > 0 {
				files = append(files, string(f))
			}
		}
		message = msg
	} else {
		// no blank line at all: the whole remainder is the message.
		message = remainder
	}

	return changeset{
		ManifestNode: manifestNode,
		AuthorName:   author.Name,
		AuthorEmail:  author.Email,
		AuthorFull:   author.Fullname,
		Date:         time.Unix(unixTS, 0).UTC(),
		DateOffset:   offset,
		Extra:        extra,
		Files:        files,
		Message:      string(message),
	}, nil
}
