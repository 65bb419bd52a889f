package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
)

// DirSource reads partitions from a local directory laid out like the static
// site: {dir}/{year}/{camps|art|events}.json.
type DirSource struct {
	dir string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (d *DirSource) Name() string { return "dir" }

// Path returns the file backing a partition.
func (d *DirSource) Path(t domain.RecordType, year int) string {
	return filepath.Join(d.dir, strconv.Itoa(year), t.FileName()+".json")
}

func (d *DirSource) Fetch(ctx context.Context, t domain.RecordType, year int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.NewError(domain.KindTimeout, "read cancelled", "", err)
	}
	b, err := os.ReadFile(d.Path(t, year))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.NewError(domain.KindNoData,
			fmt.Sprintf("no %s file for %d", t, year),
			fmt.Sprintf("No %d %s data available yet.", year, t), nil)
	}
	if err != nil {
		return nil, domain.NewError(domain.KindSyncFailed, fmt.Sprintf("read %s", d.Path(t, year)), "", err)
	}
	return b, nil
}

// ParsePath maps a file under the source directory back to its partition.
func (d *DirSource) ParsePath(path string) (domain.RecordType, int, bool) {
	rel, err := filepath.Rel(d.dir, path)
	if err != nil {
		return "", 0, false
	}
	yearDir, file := filepath.Split(rel)
	year, err := strconv.Atoi(filepath.Clean(yearDir))
	if err != nil || filepath.Ext(file) != ".json" {
		return "", 0, false
	}
	t, err := domain.ParseRecordType(file[:len(file)-len(".json")])
	if err != nil {
		return "", 0, false
	}
	return t, year, true
}
