// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints persists and discovers model parameter snapshots of training runs.
//
// The layout on disk is:
//
//	<root>/<network>/<run>/epoch-<N>/<network>-<N>-<tag>/
//	<root>/<network>/<run>/epoch-<N>/<network>-<N>-<tag>.json
//
// Where <run> is the run start time formatted with RunNameLayout, and <tag> is either TagBest or TagRegular.
// The directory holds the weights, written and read by the GoMLX checkpoints.Handler (its own ".json" and
// ".bin" pair). The ".json" file next to it holds the Metadata of the checkpoint.
//
// Checkpoints are never modified once written, and later checkpoints don't delete earlier ones.
package checkpoints

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/ml/context"
	mlcheckpoints "github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/resnet-cifar100/internal/errkind"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission (before umask) of the metadata files.
	FilePermMode = os.FileMode(0660)

	// ErrTagConflict is returned by Store.Save when the epoch already holds a checkpoint with a different tag.
	ErrTagConflict = errors.New("checkpoint with a different tag already exists for epoch")
)

// Tag of a checkpoint.
type Tag string

const (
	// TagBest marks a checkpoint saved because its accuracy was the best of the run so far.
	TagBest Tag = "best"

	// TagRegular marks a periodic checkpoint.
	TagRegular Tag = "regular"
)

const (
	// RunNameLayout is the time layout used to name run directories. It sorts lexicographically in time order.
	RunNameLayout = "2006-01-02_15h04m05s"

	// EpochDirPrefix prefixes the per-epoch subdirectories of a run.
	EpochDirPrefix = "epoch-"

	// JsonNameSuffix for the metadata files.
	JsonNameSuffix = ".json"
)

var (
	epochDirRegex   = regexp.MustCompile(`^epoch-(\d+)$`)
	weightsDirRegex = regexp.MustCompile(`^(.+)-(\d+)-(best|regular)$`)
)

// Metadata describes a saved checkpoint. It is stored as JSON next to the weights directory.
type Metadata struct {
	Network  string
	Run      string
	Epoch    int
	Tag      Tag
	Accuracy float64
	Loss     float64
	SavedAt  time.Time

	// Variables lists the ParameterName of the saved variables, in the order they were given.
	Variables []string
}

// Checkpoint loaded from disk.
type Checkpoint struct {
	// Path of the weights directory.
	Path string

	Metadata Metadata
	Params   Params
}

// Store of the checkpoints of one network, under <root>/<network>.
type Store struct {
	root, network string
}

// New creates a Store for the network under root. It doesn't touch the filesystem.
// A "~" prefix in root is expanded to the user's home directory.
func New(root, network string) *Store {
	return &Store{root: fsutil.MustReplaceTildeInDir(root), network: network}
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return fmt.Sprintf("checkpoints.Store(%q)", s.Dir())
}

// Network returns the network name the store was created for.
func (s *Store) Network() string { return s.network }

// Dir is the directory holding all runs of the network.
func (s *Store) Dir() string { return filepath.Join(s.root, s.network) }

// RunName returns the name of a run started at the given time.
func RunName(start time.Time) string {
	return start.Format(RunNameLayout)
}

// ParseRunName returns the start time of a run given its directory name.
func ParseRunName(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(RunNameLayout, name, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// RunDir returns the directory of the run with the given name. It doesn't create it.
func (s *Store) RunDir(runName string) string {
	return filepath.Join(s.Dir(), runName)
}

// CreateRun creates the directory for a run started at the given time.
// It is not an error if the directory already exists.
func (s *Store) CreateRun(start time.Time) (runDir string, err error) {
	runDir = s.RunDir(RunName(start))
	if err = os.MkdirAll(runDir, DirPermMode); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to create run directory %q", s, runDir)
	}
	return runDir, nil
}

// ListRuns returns the names of the run directories of the network, oldest first.
// It returns an empty list if the network has no directory yet.
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrapf(errkind.IO, err, "%s: listing runs", s)
	}
	type runTime struct {
		name string
		t    time.Time
	}
	var runs []runTime
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if t, ok := ParseRunName(entry.Name()); ok {
			runs = append(runs, runTime{entry.Name(), t})
		}
	}
	slices.SortFunc(runs, func(a, b runTime) int { return a.t.Compare(b.t) })
	names := make([]string, len(runs))
	for ii, r := range runs {
		names[ii] = r.name
	}
	return names, nil
}

// FindMostRecentRun returns the directory of the latest run, going by the time encoded in its name.
// Directories whose names don't follow RunNameLayout are ignored.
func (s *Store) FindMostRecentRun() (runDir string, found bool, err error) {
	runs, err := s.ListRuns()
	if err != nil || len(runs) == 0 {
		return "", false, err
	}
	return s.RunDir(runs[len(runs)-1]), true, nil
}

// Entry is a weights directory found in a run directory.
type Entry struct {
	Epoch int
	Tag   Tag

	// Path of the weights directory.
	Path string
}

// Bytes returns the disk usage of the checkpoint: its weights and metadata files.
func (e Entry) Bytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(e.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errkind.Wrapf(errkind.IO, err, "measuring checkpoint %q", e.Path)
	}
	if info, err := os.Stat(metadataPath(e.Path)); err == nil {
		total += info.Size()
	}
	return total, nil
}

// List returns the weights directories in the run directory, ordered by epoch.
// A missing run directory yields an empty list.
func List(runDir string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrapf(errkind.IO, err, "listing checkpoints in %q", runDir)
	}
	var entries []Entry
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		matches := epochDirRegex.FindStringSubmatch(dirEntry.Name())
		if matches == nil {
			continue
		}
		epochDir := filepath.Join(runDir, dirEntry.Name())
		files, err := os.ReadDir(epochDir)
		if err != nil {
			return nil, errkind.Wrapf(errkind.IO, err, "listing checkpoints in %q", epochDir)
		}
		for _, file := range files {
			fileMatches := weightsDirRegex.FindStringSubmatch(file.Name())
			if fileMatches == nil || !file.IsDir() {
				continue
			}
			epoch, err := strconv.Atoi(fileMatches[2])
			if err != nil || strconv.Itoa(epoch) != matches[1] {
				continue
			}
			entries = append(entries, Entry{
				Epoch: epoch,
				Tag:   Tag(fileMatches[3]),
				Path:  filepath.Join(epochDir, file.Name()),
			})
		}
	}
	slices.SortStableFunc(entries, func(a, b Entry) int { return cmp.Compare(a.Epoch, b.Epoch) })
	return entries, nil
}

// FindLastEpoch returns the highest epoch with a checkpoint in the run directory, or 0 if there are none.
func FindLastEpoch(runDir string) (int, error) {
	entries, err := List(runDir)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[len(entries)-1].Epoch, nil
}

// FindBestWeights returns the path of the latest checkpoint tagged TagBest in the run directory.
func FindBestWeights(runDir string) (path string, found bool, err error) {
	entries, err := List(runDir)
	if err != nil {
		return "", false, err
	}
	for ii := len(entries) - 1; ii >= 0; ii-- {
		if entries[ii].Tag == TagBest {
			return entries[ii].Path, true, nil
		}
	}
	return "", false, nil
}

// FindLastWeights returns the path of the checkpoint of the highest epoch in the run directory.
func FindLastWeights(runDir string) (path string, found bool, err error) {
	entries, err := List(runDir)
	if err != nil || len(entries) == 0 {
		return "", false, err
	}
	return entries[len(entries)-1].Path, true, nil
}

// WeightsPath returns the path of the weights directory for the epoch and tag within the run directory.
func (s *Store) WeightsPath(runDir string, epoch int, tag Tag) string {
	return filepath.Join(runDir, fmt.Sprintf("%s%d", EpochDirPrefix, epoch),
		fmt.Sprintf("%s-%d-%s", s.network, epoch, tag))
}

// Save writes params as the checkpoint of the given epoch and tag in the run directory, and returns the
// path of the weights directory.
//
// Only the fields Accuracy and Loss of meta are used, the others are filled in by Save.
//
// It refuses (ErrTagConflict) to write over a checkpoint of the same epoch with a different tag.
// Files are written under temporary names and renamed, weights first, so a reader never sees a partial
// checkpoint, and a failure doesn't leave metadata without its weights.
func (s *Store) Save(runDir string, epoch int, tag Tag, params Params, meta Metadata) (string, error) {
	if tag != TagBest && tag != TagRegular {
		return "", errors.Errorf("%s: invalid checkpoint tag %q", s, tag)
	}
	if err := params.validate(); err != nil {
		return "", err
	}
	weightsPath := s.WeightsPath(runDir, epoch, tag)
	epochDir := filepath.Dir(weightsPath)
	if err := os.MkdirAll(epochDir, DirPermMode); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to create %q", s, epochDir)
	}
	existing, err := List(runDir)
	if err != nil {
		return "", err
	}
	for _, entry := range existing {
		if entry.Epoch == epoch && entry.Tag != tag {
			return "", errkind.Wrapf(errkind.IO, ErrTagConflict, "%s: epoch %d already saved as %q in %q, refusing to save as %q",
				s, epoch, entry.Tag, entry.Path, tag)
		}
	}

	meta.Network = s.network
	meta.Run = filepath.Base(runDir)
	meta.Epoch = epoch
	meta.Tag = tag
	meta.SavedAt = time.Now()
	meta.Variables = make([]string, len(params))
	for ii := range params {
		meta.Variables[ii] = params[ii].ParameterName
	}

	weightsTmp, err := os.MkdirTemp(epochDir, ".weights-*")
	if err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to create weights directory in %q", s, epochDir)
	}
	defer func() { _ = os.RemoveAll(weightsTmp) }()
	if err = os.Chmod(weightsTmp, DirPermMode); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to set permissions of %q", s, weightsTmp)
	}
	if err = writeWeights(weightsTmp, params); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to write weights of epoch %d", s, epoch)
	}

	jsonTmp, err := os.CreateTemp(epochDir, ".metadata-*")
	if err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to create metadata file in %q", s, epochDir)
	}
	defer func() { _ = os.Remove(jsonTmp.Name()) }()
	enc := json.NewEncoder(jsonTmp)
	enc.SetIndent("", "\t")
	if err = enc.Encode(&meta); err != nil {
		_ = jsonTmp.Close()
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to write metadata for %q", s, weightsPath)
	}
	if err = jsonTmp.Close(); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to close metadata file", s)
	}
	if err = os.Chmod(jsonTmp.Name(), FilePermMode); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to set permissions of %q", s, jsonTmp.Name())
	}

	if err = os.Rename(weightsTmp, weightsPath); err != nil {
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to move weights into %q", s, weightsPath)
	}
	jsonPath := metadataPath(weightsPath)
	if err = os.Rename(jsonTmp.Name(), jsonPath); err != nil {
		_ = os.RemoveAll(weightsPath)
		return "", errkind.Wrapf(errkind.IO, err, "%s: failed to move metadata into %q", s, jsonPath)
	}
	klog.V(1).Infof("%s: saved epoch %d (%s) to %q", s, epoch, tag, weightsPath)
	return weightsPath, nil
}

// writeWeights saves params with a checkpoints.Handler in dir, using a scratch context.
func writeWeights(dir string, params Params) error {
	ctx := context.New()
	return exceptions.TryCatch[error](func() {
		for ii := range params {
			scope, name := params[ii].ScopeAndName()
			ctx.InAbsPath(scope).VariableWithValue(name, params[ii].Value)
		}
		handler, err := mlcheckpoints.Build(ctx).Dir(dir).Done()
		if err != nil {
			panic(err)
		}
		if err = handler.Save(); err != nil {
			panic(err)
		}
	})
}

func metadataPath(weightsPath string) string {
	return weightsPath + JsonNameSuffix
}

// LoadMetadata reads only the metadata of the checkpoint whose weights directory is given.
func LoadMetadata(weightsPath string) (*Metadata, error) {
	jsonPath := metadataPath(weightsPath)
	f, err := os.Open(jsonPath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to open checkpoint metadata %q", jsonPath)
	}
	defer func() { _ = f.Close() }()
	meta := &Metadata{}
	if err = json.NewDecoder(f).Decode(meta); err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to decode checkpoint metadata %q", jsonPath)
	}
	return meta, nil
}

// Load reads the checkpoint whose weights directory is given.
//
// It fails with an errkind.Load error if the weights or the metadata are missing or malformed. Use
// Params.Match to check that the loaded values fit the current model.
func Load(weightsPath string) (*Checkpoint, error) {
	weightsPath = fsutil.MustReplaceTildeInDir(weightsPath)
	meta, err := LoadMetadata(weightsPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(weightsPath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to access weights %q", weightsPath)
	}
	if !info.IsDir() {
		return nil, errkind.Errorf(errkind.Load, "weights %q is not a directory", weightsPath)
	}

	ctx := context.New()
	ckpt := &Checkpoint{Path: weightsPath, Metadata: *meta, Params: make(Params, 0, len(meta.Variables))}
	err = exceptions.TryCatch[error](func() {
		if _, err := mlcheckpoints.Load(ctx).Dir(weightsPath).Immediate().Done(); err != nil {
			panic(err)
		}
		for _, parameterName := range meta.Variables {
			scope, name := context.VariableScopeAndNameFromParameterName(parameterName)
			v := ctx.GetVariableByScopeAndName(scope, name)
			if v == nil {
				panic(errors.Errorf("variable %q listed in the metadata is missing", parameterName))
			}
			ckpt.Params = append(ckpt.Params, Variable{ParameterName: parameterName, Value: v.MustValue()})
		}
	})
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to load weights from %q", weightsPath)
	}
	return ckpt, nil
}
