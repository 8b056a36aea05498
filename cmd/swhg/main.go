// Command swhg loads a single Mercurial repository into a Software
// Heritage-style archive by driving modules/loader end to end.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"github.com/softwareheritage/swhg/modules/archive"
	"github.com/softwareheritage/swhg/modules/loader"
	"github.com/softwareheritage/swhg/modules/localhg"
)

type cli struct {
	URL              string        `help:"Origin URL of the Mercurial repository." required:""`
	LocalDir         string        `help:"Reuse an existing local working copy instead of cloning." type:"path"`
	VisitDate        string        `help:"ISO-8601 visit date; defaults to now." default:""`
	CloneTimeout     time.Duration `help:"Hard timeout for the clone sub-process." default:"1h"`
	ContentSizeLimit int64         `help:"Contents larger than this (bytes) are stored absent." default:"104857600"`
	DSN              string        `help:"MySQL DSN for the archive backend; omit for an in-memory store."`
	TempRoot         string        `help:"Root directory for per-visit scratch directories." type:"path"`
}

func main() {
	var c cli
	kong.Parse(&c, kong.Description("Load a Mercurial repository into a Software Heritage archive."))

	visitDate := time.Now()
	if c.VisitDate != "" {
		parsed, err := time.Parse(time.RFC3339, c.VisitDate)
		if err != nil {
			logrus.WithError(err).Fatal("invalid --visit-date")
		}
		visitDate = parsed
	}

	var store archive.Store
	if c.DSN != "" {
		sqlStore, err := archive.NewSQLStore(c.DSN)
		if err != nil {
			logrus.WithError(err).Fatal("connecting to archive backend")
		}
		store = sqlStore
	} else {
		store = archive.NewMemoryStore()
	}

	cfg := loader.Config{
		Origin:           c.URL,
		LocalDir:         c.LocalDir,
		VisitDate:        visitDate,
		CloneTimeout:     c.CloneTimeout,
		ContentSizeLimit: c.ContentSizeLimit,
		TempRoot:         c.TempRoot,
	}

	res, err := loader.Run(context.Background(), store, &localhg.LocalHg{}, cfg)
	if err != nil {
		logrus.WithError(err).Error("visit failed")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logrus.WithFields(logrus.Fields{
		"load_status":  res.LoadStatus,
		"visit_status": res.VisitStatus,
		"snapshot":     res.SnapshotID.String(),
	}).Info("visit complete")

	if res.LoadStatus == "failed" {
		os.Exit(1)
	}
}
