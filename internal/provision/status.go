package provision

import (
	"errors"
	"os"
	"time"

	"github.com/danmuck/ctrtools/internal/catalog"
	"github.com/danmuck/ctrtools/internal/ledger"
)

// LedgerReader is the read side of the ledger used by Status.
type LedgerReader interface {
	Get(toolID string) (ledger.Record, error)
}

// ToolStatus compares one descriptor against disk and the ledger.
type ToolStatus struct {
	ID          string
	Path        string
	OnDisk      bool
	Recorded    bool
	Version     string
	Wanted      string
	Outdated    bool
	Modified    bool
	InstalledAt time.Time
}

// Status reports, per descriptor, whether the file exists, whether the ledger
// knows it, whether the recorded version is older than the descriptor's, and
// whether the file changed since it was recorded.
func (p *Provisioner) Status(store LedgerReader, descriptors []catalog.Descriptor) ([]ToolStatus, error) {
	out := make([]ToolStatus, 0, len(descriptors))
	for _, d := range descriptors {
		st := ToolStatus{ID: d.ID, Wanted: d.Version}
		path, err := p.resolvePath(d.FileName)
		if err != nil {
			return nil, err
		}
		st.Path = path

		if _, err := os.Stat(path); err == nil {
			st.OnDisk = true
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		rec, err := store.Get(d.ID)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
		case err != nil:
			return nil, err
		default:
			st.Recorded = true
			st.Version = rec.Version
			st.InstalledAt = rec.InstalledAt
			if d.Version != "" && catalog.CompareVersions(rec.Version, d.Version) < 0 {
				st.Outdated = true
			}
			if st.OnDisk {
				sum, err := fileSHA256(path)
				if err != nil {
					return nil, err
				}
				st.Modified = sum != rec.SHA256
			}
		}
		out = append(out, st)
	}
	return out, nil
}
