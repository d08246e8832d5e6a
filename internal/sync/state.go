package sync

import "time"

// Report summarises one run
type Report struct {
	Mode    string
	Source  string
	Dest    string
	DryRun  bool
	Started time.Time
	Elapsed time.Duration

	FoldersCreated  int
	FoldersRemoved  int
	FoldersStale    int
	FilesRemoved    int
	FilesUploaded   int
	FilesUpdated    int
	FilesUnchanged  int
	FilesDownloaded int
}

// Changed reports whether the run modified anything on either side
func (r *Report) Changed() bool {
	return r.FoldersCreated+r.FoldersRemoved+r.FilesRemoved+
		r.FilesUploaded+r.FilesUpdated+r.FilesDownloaded > 0
}

func newReport(mode, source, dest string, dryRun bool) *Report {
	return &Report{
		Mode:    mode,
		Source:  source,
		Dest:    dest,
		DryRun:  dryRun,
		Started: time.Now(),
	}
}

func (r *Report) finish() *Report {
	r.Elapsed = time.Since(r.Started)
	return r
}

// Run modes recorded in reports
const (
	ModeSync  = "sync"
	ModeClone = "clone"
)
