//go:build linux

package logx

import (
	"io"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog/journald"
)

// journalWriter returns a journald-backed writer when the journal socket is
// reachable. Structured fields become journal variables.
func journalWriter() (io.Writer, bool) {
	if !journal.Enabled() {
		return nil, false
	}
	return journald.NewJournalDWriter(), true
}
